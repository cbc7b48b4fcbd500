package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatrelay/internal/bus"
	"github.com/matheus3301/chatrelay/internal/logging"
	"github.com/matheus3301/chatrelay/internal/metrics"
	"go.uber.org/zap"
)

// Sink receives envelopes. *Publisher is the production Sink.
type Sink interface {
	Publish(ctx context.Context, routingKey string, env Envelope) error
}

// Forwarder copies bus events to a Sink, using the event kind as the
// routing key.
type Forwarder struct {
	bus     *bus.Bus
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewForwarder creates a forwarder.
func NewForwarder(b *bus.Bus, sink Sink, logger *zap.Logger) *Forwarder {
	return &Forwarder{bus: b, sink: sink, logger: logging.OrNop(logger), timeout: 5 * time.Second}
}

// Start subscribes to every bus event.
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	ch, unsub := f.bus.Subscribe("", 256)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				f.forward(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops forwarding and waits for the in-flight publish.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *Forwarder) forward(ctx context.Context, evt bus.Event) {
	env := Envelope{
		Meta: Meta{ID: uuid.NewString(), Type: evt.Kind, Time: evt.Timestamp.UTC()},
		Data: evt.Payload,
	}
	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.sink.Publish(pctx, evt.Kind, env); err != nil {
		metrics.FanoutPublished.WithLabelValues("error").Inc()
		f.logger.Debug("fanout publish failed", zap.String("kind", evt.Kind), zap.Error(err))
		return
	}
	metrics.FanoutPublished.WithLabelValues("ok").Inc()
}

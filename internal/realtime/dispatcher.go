package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/chatrelay/internal/bus"
	"github.com/matheus3301/chatrelay/internal/identity"
	"github.com/matheus3301/chatrelay/internal/logging"
	"github.com/matheus3301/chatrelay/internal/metrics"
	"github.com/matheus3301/chatrelay/internal/registry"
	"go.uber.org/zap"
)

type handlerFunc func(ctx context.Context, in Inbound) ([]Push, error)

// Dispatcher maps inbound event names to handlers and performs the pushes
// they return. A failing handler is answered with an error event to the
// originating connection.
type Dispatcher struct {
	router   *Router
	reg      *registry.Registry
	pusher   Pusher
	bus      *bus.Bus
	logger   *zap.Logger
	handlers map[string]handlerFunc
}

// NewDispatcher creates a dispatcher. b may be nil.
func NewDispatcher(router *Router, reg *registry.Registry, pusher Pusher, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		router: router,
		reg:    reg,
		pusher: pusher,
		bus:    b,
		logger: logging.OrNop(logger),
	}
	d.handlers = map[string]handlerFunc{
		EventJoinUser:    d.handleJoin,
		EventSendMessage: d.handleSend,
		EventTyping:      d.handleTyping,
		EventMarkAsRead:  d.handleMarkRead,
		EventMessageAck:  d.handleAck,
		EventDisconnect:  d.handleDisconnect,
	}
	return d
}

// Dispatch runs the handler for in.Event and returns the pushes that were
// accepted by the pusher.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) []Push {
	var (
		pushes []Push
		err    error
	)
	if h, ok := d.handlers[in.Event]; ok {
		pushes, err = h(ctx, in)
	} else {
		err = fmt.Errorf("%w: %q", ErrUnknownEvent, in.Event)
	}

	if err != nil {
		code := Code(err)
		metrics.DispatchErrors.WithLabelValues(metricEvent(in.Event), code).Inc()
		d.logger.Warn("realtime event rejected",
			zap.String("event", in.Event),
			zap.String("address", string(in.Address)),
			zap.String("identity", in.Identity),
			zap.String("code", code),
			zap.Error(err),
		)
		pushes = []Push{{To: in.Address, Event: EventError, Payload: ErrorPayload{Event: in.Event, Code: code, Message: err.Error()}}}
	}
	return d.Deliver(pushes)
}

// Deliver hands every push to the pusher and returns those it accepted.
// A failed push never undoes whatever produced it.
func (d *Dispatcher) Deliver(pushes []Push) []Push {
	var done []Push
	for _, p := range pushes {
		if err := d.pusher.Push(p.To, p.Event, p.Payload); err != nil {
			d.logger.Debug("push failed",
				zap.String("event", p.Event),
				zap.String("address", string(p.To)),
				zap.Error(err),
			)
			continue
		}
		done = append(done, p)
	}
	return done
}

func metricEvent(name string) string {
	if _, ok := knownEvents[name]; ok {
		return name
	}
	return "unknown"
}

var knownEvents = map[string]struct{}{
	EventJoinUser: {}, EventSendMessage: {}, EventTyping: {},
	EventMarkAsRead: {}, EventMessageAck: {}, EventDisconnect: {},
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", ErrBadRequest)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func (d *Dispatcher) handleJoin(_ context.Context, in Inbound) ([]Push, error) {
	var req JoinRequest
	if err := decode(in.Data, &req); err != nil {
		return nil, err
	}
	p, err := d.reg.Join(identity.Identity{Username: in.Identity}, req.Username, in.Address)
	if err != nil {
		return nil, err
	}

	pushes := []Push{{To: in.Address, Event: EventJoinedRoom, Payload: OnlineUsersPayload{Username: p.Identity, Users: p.Online}}}
	if p.Changed {
		pushes = append(pushes, d.broadcast(in.Address, EventUserOnline, PresencePayload{Username: p.Identity}, p.Online)...)
		if d.bus != nil {
			d.bus.Emit(bus.PresenceOnline, bus.PresencePayload{Identity: p.Identity, Devices: p.Devices})
		}
	}
	return pushes, nil
}

func (d *Dispatcher) handleDisconnect(_ context.Context, in Inbound) ([]Push, error) {
	p, ok := d.reg.Leave(in.Address)
	if !ok || !p.Changed {
		return nil, nil
	}
	if d.bus != nil {
		d.bus.Emit(bus.PresenceOffline, bus.PresencePayload{Identity: p.Identity})
	}
	return d.broadcast(in.Address, EventUserOffline, PresencePayload{Username: p.Identity}, p.Online), nil
}

// broadcast builds a presence event plus the new online set for every
// connection except the one that caused the change.
func (d *Dispatcher) broadcast(except registry.Address, event string, presence PresencePayload, online []string) []Push {
	var pushes []Push
	for _, addr := range d.reg.Addresses() {
		if addr == except {
			continue
		}
		pushes = append(pushes,
			Push{To: addr, Event: event, Payload: presence},
			Push{To: addr, Event: EventOnlineUsers, Payload: OnlineUsersPayload{Users: online}},
		)
	}
	return pushes
}

func (d *Dispatcher) handleSend(ctx context.Context, in Inbound) ([]Push, error) {
	var req SendIntent
	if err := decode(in.Data, &req); err != nil {
		return nil, err
	}
	delivery, err := d.router.Route(ctx, in.Address, req)
	if err != nil {
		return nil, err
	}
	return delivery.Pushes, nil
}

func (d *Dispatcher) handleTyping(ctx context.Context, in Inbound) ([]Push, error) {
	var req TypingRequest
	if err := decode(in.Data, &req); err != nil {
		return nil, err
	}
	return d.router.Typing(ctx, in.Address, req)
}

func (d *Dispatcher) handleMarkRead(ctx context.Context, in Inbound) ([]Push, error) {
	var req ReadRequest
	if err := decode(in.Data, &req); err != nil {
		return nil, err
	}
	return d.router.MarkRead(ctx, in.Address, req)
}

func (d *Dispatcher) handleAck(ctx context.Context, in Inbound) ([]Push, error) {
	var req AckRequest
	if err := decode(in.Data, &req); err != nil {
		return nil, err
	}
	pushes, err := d.router.Ack(ctx, in.Address, req)
	if errors.Is(err, ErrNotFound) {
		// The sender may have deleted the message before the ack arrived.
		return nil, nil
	}
	return pushes, err
}

// Package fanout republishes domain events to an AMQP topic exchange so
// other services can follow message and presence traffic.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/matheus3301/chatrelay/internal/logging"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AppID is stamped on every published message.
const AppID = "chatrelay"

// Meta describes a published event.
type Meta struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
}

// Envelope is the JSON body of every published message.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a channel and returns it with the connection that owns it.
type Dialer func(url string) (Channel, io.Closer, error)

// DialAMQP is the production Dialer.
func DialAMQP(u string) (Channel, io.Closer, error) {
	conn, err := amqp.Dial(u)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, conn, nil
}

// Publisher publishes envelopes to one topic exchange. The connection is
// opened lazily and reopened after a failure, with the delay between dial
// attempts doubling up to maxBackoff.
type Publisher struct {
	url      string
	exchange string
	dial     Dialer
	logger   *zap.Logger

	mu       sync.Mutex
	ch       Channel
	conn     io.Closer
	backoff  time.Duration
	nextDial time.Time
	now      func() time.Time
}

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// ErrBackoff is returned while the publisher waits before redialing.
var ErrBackoff = errors.New("broker unavailable, backing off")

// NewPublisher creates a publisher. dial may be nil to use DialAMQP.
func NewPublisher(u, exchange string, dial Dialer, logger *zap.Logger) *Publisher {
	if dial == nil {
		dial = DialAMQP
	}
	return &Publisher{
		url:      u,
		exchange: exchange,
		dial:     dial,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Exchange returns the exchange name.
func (p *Publisher) Exchange() string { return p.exchange }

func (p *Publisher) connectLocked() error {
	if p.ch != nil {
		return nil
	}
	if now := p.now(); now.Before(p.nextDial) {
		return ErrBackoff
	}

	ch, conn, err := p.dial(p.url)
	if err == nil {
		err = ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			_ = conn.Close()
			err = fmt.Errorf("declare exchange %q: %w", p.exchange, err)
		}
	}
	if err != nil {
		if p.backoff == 0 {
			p.backoff = minBackoff
		} else {
			p.backoff = min(p.backoff*2, maxBackoff)
		}
		p.nextDial = p.now().Add(p.backoff)
		p.logger.Warn("amqp connect failed",
			zap.String("host", host(p.url)),
			zap.Duration("retry_in", p.backoff),
			zap.Error(err),
		)
		return err
	}

	p.ch, p.conn = ch, conn
	p.backoff = 0
	p.nextDial = time.Time{}
	p.logger.Info("amqp connected", zap.String("host", host(p.url)), zap.String("exchange", p.exchange))
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// Publish sends env with routingKey. A failed publish drops the connection
// so the next call redials.
func (p *Publisher) Publish(ctx context.Context, routingKey string, env Envelope) error {
	if env.Meta.ID == "" {
		return errors.New("envelope meta id is required")
	}
	if env.Meta.Time.IsZero() {
		env.Meta.Time = p.now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.Time,
		AppId:        AppID,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

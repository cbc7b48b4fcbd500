package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatrelay/internal/bus"
	"github.com/matheus3301/chatrelay/internal/conversation"
	"github.com/matheus3301/chatrelay/internal/identity"
	"github.com/matheus3301/chatrelay/internal/logging"
	"github.com/matheus3301/chatrelay/internal/metrics"
	"github.com/matheus3301/chatrelay/internal/registry"
	"github.com/matheus3301/chatrelay/internal/status"
	"github.com/matheus3301/chatrelay/internal/store"
	"go.uber.org/zap"
)

// Store is the slice of the message store the router needs.
type Store interface {
	CreateMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, key string) (*store.Message, error)
	UpdateStatus(ctx context.Context, u store.StatusUpdate) (*store.Message, error)
	MarkRead(ctx context.Context, convKey, sender string) ([]string, error)
}

// Delivery is the outcome of a send.
type Delivery struct {
	Message   *store.Message
	Pushes    []Push
	Online    bool
	Duplicate bool
}

// Router persists direct messages and addresses the resulting pushes.
// It never performs I/O on connections itself.
type Router struct {
	reg    *registry.Registry
	store  Store
	agg    *conversation.Aggregator
	bus    *bus.Bus
	logger *zap.Logger
	retry  store.RetryPolicy
	now    func() time.Time
}

// NewRouter creates a router. b may be nil.
func NewRouter(reg *registry.Registry, s Store, agg *conversation.Aggregator, b *bus.Bus, logger *zap.Logger) *Router {
	return &Router{
		reg:    reg,
		store:  s,
		agg:    agg,
		bus:    b,
		logger: logging.OrNop(logger),
		retry:  store.DefaultRetry,
		now:    time.Now,
	}
}

// verify returns the identity bound to origin if it matches claimed.
func (r *Router) verify(origin registry.Address, claimed string) (string, error) {
	bound, ok := r.reg.Identity(origin)
	if !ok {
		return "", fmt.Errorf("%w: connection has not joined", ErrUnauthorized)
	}
	if err := identity.Authorize(identity.Identity{Username: bound}, claimed); err != nil {
		return "", err
	}
	return bound, nil
}

// Route handles send-message from a live connection. The claimed sender must
// be the identity bound to origin.
func (r *Router) Route(ctx context.Context, origin registry.Address, in SendIntent) (*Delivery, error) {
	from, err := r.verify(origin, in.From)
	if err != nil {
		return nil, err
	}
	return r.Send(ctx, from, in, origin)
}

// Send persists a message from an already verified sender and builds the
// pushes: newMessage to every recipient connection, then message-sent and,
// when the recipient is online, message-delivered to origin. An empty
// origin skips the sender acknowledgements.
func (r *Router) Send(ctx context.Context, from string, in SendIntent, origin registry.Address) (*Delivery, error) {
	from = identity.NormalizeUsername(from)
	to := identity.NormalizeUsername(in.To)
	if to == "" {
		return nil, fmt.Errorf("%w: missing recipient", ErrBadRequest)
	}
	if to == from {
		return nil, fmt.Errorf("%w: cannot message yourself", ErrInvalidTarget)
	}
	content, err := intentContent(in)
	if err != nil {
		return nil, err
	}

	m := &store.Message{
		MessageID:      in.ClientID,
		ConvKey:        store.ConvKey(from, to),
		WaID:           to,
		From:           from,
		To:             to,
		Content:        content,
		Timestamp:      r.now().UnixMilli(),
		Status:         status.Sent,
		Direction:      store.Outbound,
		SenderUsername: from,
	}
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}

	dup, err := r.persist(ctx, m)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		// A client retry of a message that is already stored: acknowledge
		// again but never notify the recipient twice.
		d := &Delivery{Message: dup, Duplicate: true}
		if origin != "" {
			d.Pushes = append(d.Pushes, Push{To: origin, Event: EventMessageSent, Payload: ackPayload(dup, in.ClientID)})
		}
		return d, nil
	}

	if _, err := r.agg.RecordMessage(ctx, m); err != nil {
		r.logger.Error("conversation summary update failed",
			zap.String("message_id", m.MessageID), zap.Error(err))
	}
	if r.bus != nil {
		r.bus.Emit(bus.MessagePersisted, bus.MessagePayload{
			MessageID: m.MessageID, ConvKey: m.ConvKey, From: from, To: to,
			Status: string(m.Status), Source: "realtime",
		})
	}

	d := &Delivery{Message: m}
	recipients := r.reg.Resolve(to)
	d.Online = len(recipients) > 0
	payload := newMessagePayload(m)
	for _, addr := range recipients {
		d.Pushes = append(d.Pushes, Push{To: addr, Event: EventNewMessage, Payload: payload})
	}
	if origin != "" {
		ack := ackPayload(m, in.ClientID)
		d.Pushes = append(d.Pushes, Push{To: origin, Event: EventMessageSent, Payload: ack})
		if d.Online {
			ack.Status = string(status.Delivered)
			d.Pushes = append(d.Pushes, Push{To: origin, Event: EventMessageDelivered, Payload: ack})
		}
	}

	delivery := "stored"
	if d.Online {
		delivery = "online"
	}
	metrics.MessagesRouted.WithLabelValues(delivery).Inc()
	r.logger.Info("message routed",
		zap.String("message_id", m.MessageID),
		zap.String("from", from),
		zap.String("to", to),
		zap.Int("recipient_connections", len(recipients)),
	)
	return d, nil
}

// persist creates m, retrying transient failures with the same message_id.
// A conflict after a retry means an earlier attempt committed. A conflict on
// the first attempt returns the stored message when it is the same sender's
// retry, and ErrConflict otherwise.
func (r *Router) persist(ctx context.Context, m *store.Message) (*store.Message, error) {
	attempt := 0
	err := store.WithRetry(ctx, r.retry, func() error {
		attempt++
		err := r.store.CreateMessage(ctx, m)
		if errors.Is(err, store.ErrConflict) && attempt > 1 {
			return nil
		}
		return err
	})
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("persist message %q: %w", m.MessageID, err)
	}
	existing, getErr := r.store.GetMessage(ctx, m.MessageID)
	if getErr != nil || existing.From != m.From || existing.To != m.To {
		return nil, fmt.Errorf("persist message %q: %w", m.MessageID, err)
	}
	return existing, nil
}

func intentContent(in SendIntent) (store.Content, error) {
	kind := store.KindText
	if in.Type != "" {
		k, ok := store.ParseKind(strings.ToLower(in.Type))
		if !ok {
			return nil, fmt.Errorf("%w: unknown message type %q", ErrBadRequest, in.Type)
		}
		kind = k
	}
	if !kind.IsMedia() {
		body := store.SanitizeText(in.Message)
		if body == "" {
			return nil, fmt.Errorf("%w: empty message", ErrBadRequest)
		}
		return store.Text{Body: body}, nil
	}
	if strings.TrimSpace(in.MediaURL) == "" {
		return nil, fmt.Errorf("%w: %s message requires media_url", ErrBadRequest, kind)
	}
	caption := in.Caption
	if caption == "" {
		caption = in.Message
	}
	return store.Media{
		Type:     kind,
		MediaID:  strings.TrimSpace(in.MediaURL),
		Caption:  store.SanitizeText(caption),
		Filename: store.SanitizeText(in.Filename),
		MimeType: strings.TrimSpace(in.MimeType),
	}, nil
}

func ackPayload(m *store.Message, clientID string) AckPayload {
	return AckPayload{
		MessageID: m.MessageID,
		ClientID:  clientID,
		To:        m.To,
		Status:    string(m.Status),
		Timestamp: time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339Nano),
	}
}

// Typing relays a typing indicator to the recipient's connections.
func (r *Router) Typing(_ context.Context, origin registry.Address, req TypingRequest) ([]Push, error) {
	from, err := r.verify(origin, req.From)
	if err != nil {
		return nil, err
	}
	to := identity.NormalizeUsername(req.To)
	if to == "" || to == from {
		return nil, fmt.Errorf("%w: typing target %q", ErrInvalidTarget, req.To)
	}
	var pushes []Push
	for _, addr := range r.reg.Resolve(to) {
		pushes = append(pushes, Push{To: addr, Event: EventUserTyping, Payload: TypingPayload{From: from, IsTyping: req.IsTyping}})
	}
	return pushes, nil
}

// MarkRead moves the messages req.Sender wrote to the reader to read, resets
// the reader's unread counter and tells the sender's connections.
func (r *Router) MarkRead(ctx context.Context, origin registry.Address, req ReadRequest) ([]Push, error) {
	reader, err := r.verify(origin, req.Reader)
	if err != nil {
		return nil, err
	}
	return r.Read(ctx, reader, req.Sender, req.MessageIDs)
}

// Read is MarkRead for an already verified reader.
func (r *Router) Read(ctx context.Context, reader, sender string, messageIDs []string) ([]Push, error) {
	sender = identity.NormalizeUsername(sender)
	if sender == "" || sender == reader {
		return nil, fmt.Errorf("%w: read target %q", ErrInvalidTarget, sender)
	}
	convKey := store.ConvKey(reader, sender)

	var read []string
	if len(messageIDs) == 0 {
		ids, err := r.store.MarkRead(ctx, convKey, sender)
		if err != nil {
			return nil, fmt.Errorf("mark read %s: %w", convKey, err)
		}
		read = ids
	} else {
		for _, id := range messageIDs {
			m, err := r.store.GetMessage(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if m.ConvKey != convKey || m.From != sender {
				continue
			}
			if m.Status == status.Read {
				continue
			}
			if _, err := r.store.UpdateStatus(ctx, store.StatusUpdate{Key: m.MessageID, Status: status.Read}); err != nil {
				if errors.Is(err, store.ErrInvalidTransition) {
					continue
				}
				return nil, err
			}
			read = append(read, m.MessageID)
		}
	}

	if err := r.agg.MarkRead(ctx, reader, sender); err != nil {
		r.logger.Error("reset unread failed", zap.String("owner", reader), zap.String("wa_id", sender), zap.Error(err))
	}
	if r.bus != nil {
		for _, id := range read {
			r.bus.Emit(bus.MessageStatus, bus.MessagePayload{
				MessageID: id, ConvKey: convKey, From: sender, To: reader,
				Status: string(status.Read), Source: "realtime",
			})
		}
	}
	if len(read) == 0 {
		return nil, nil
	}

	var pushes []Push
	for _, addr := range r.reg.Resolve(sender) {
		pushes = append(pushes, Push{To: addr, Event: EventMessageRead, Payload: ReadPayload{Reader: reader, MessageIDs: read}})
	}
	return pushes, nil
}

// Ack records a client delivery acknowledgement: the message becomes
// delivered and the original sender's connections are told.
func (r *Router) Ack(ctx context.Context, origin registry.Address, req AckRequest) ([]Push, error) {
	recipient, err := r.verify(origin, req.From)
	if err != nil {
		return nil, err
	}
	if req.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message_id", ErrBadRequest)
	}
	m, err := r.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if m.To != recipient {
		return nil, fmt.Errorf("%w: %q is not the recipient of %s", ErrUnauthorized, recipient, m.MessageID)
	}

	updated, err := r.store.UpdateStatus(ctx, store.StatusUpdate{Key: m.MessageID, Status: status.Delivered})
	if errors.Is(err, store.ErrInvalidTransition) {
		// Already read or failed; the ack is stale.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.bus != nil {
		r.bus.Emit(bus.MessageStatus, bus.MessagePayload{
			MessageID: m.MessageID, ConvKey: m.ConvKey, From: m.From, To: m.To,
			Status: string(updated.Status), Source: "ack",
		})
	}

	var pushes []Push
	for _, addr := range r.reg.Resolve(m.From) {
		pushes = append(pushes, Push{To: addr, Event: EventMessageDelivered, Payload: ackPayload(updated, "")})
	}
	return pushes, nil
}

// SetStatus applies a status change requested by a participant outside a
// live connection. Only the recipient may report delivered or read, and
// only the sender may report failed. The sender's connections are told.
func (r *Router) SetStatus(ctx context.Context, actor, messageID string, st status.Status) (*store.Message, []Push, error) {
	actor = identity.NormalizeUsername(actor)
	m, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case st == status.Failed && actor != m.From:
		return nil, nil, fmt.Errorf("%w: only the sender can fail %s", ErrUnauthorized, m.MessageID)
	case st != status.Failed && actor != m.To:
		return nil, nil, fmt.Errorf("%w: only the recipient can mark %s %s", ErrUnauthorized, m.MessageID, st)
	}

	prev := m.Status
	updated, err := r.store.UpdateStatus(ctx, store.StatusUpdate{Key: m.MessageID, Status: st})
	if err != nil {
		return nil, nil, err
	}
	if prev == st {
		return updated, nil, nil
	}
	if r.bus != nil {
		r.bus.Emit(bus.MessageStatus, bus.MessagePayload{
			MessageID: updated.MessageID, ConvKey: updated.ConvKey, From: updated.From, To: updated.To,
			Status: string(updated.Status), Source: "api",
		})
	}

	var pushes []Push
	for _, addr := range r.reg.Resolve(updated.From) {
		switch st {
		case status.Delivered:
			pushes = append(pushes, Push{To: addr, Event: EventMessageDelivered, Payload: ackPayload(updated, "")})
		case status.Read:
			pushes = append(pushes, Push{To: addr, Event: EventMessageRead, Payload: ReadPayload{Reader: actor, MessageIDs: []string{updated.MessageID}}})
		}
	}
	return updated, pushes, nil
}

// Package conversation maintains the per-owner conversation summaries.
package conversation

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatrelay/internal/bus"
	"github.com/matheus3301/chatrelay/internal/logging"
	"github.com/matheus3301/chatrelay/internal/store"
	"go.uber.org/zap"
)

// Store is the slice of the message store the aggregator writes to.
type Store interface {
	UpsertConversation(ctx context.Context, p store.ConversationPatch) (*store.Conversation, error)
	ResetUnread(ctx context.Context, owner, waID string) error
}

// Patch carries the summary fields of one new message.
type Patch struct {
	ContactName        string
	Content            string
	At                 int64
	PhoneNumberID      string
	DisplayPhoneNumber string
}

// Aggregator folds messages into conversation summaries. Every write is a
// single atomic upsert, so concurrent callers never lose an increment.
type Aggregator struct {
	store  Store
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates an aggregator. bus may be nil.
func New(s Store, b *bus.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: s, bus: b, logger: logging.OrNop(logger)}
}

// Upsert merges p into owner's summary of waID. Inbound messages add one to
// the unread counter; outbound messages leave it alone.
func (a *Aggregator) Upsert(ctx context.Context, owner, waID string, p Patch, inbound bool) (*store.Conversation, error) {
	patch := store.ConversationPatch{
		Owner:              owner,
		WaID:               waID,
		ConvKey:            store.ConvKey(owner, waID),
		ContactName:        p.ContactName,
		Content:            p.Content,
		At:                 p.At,
		Direction:          store.Outbound,
		PhoneNumberID:      p.PhoneNumberID,
		DisplayPhoneNumber: p.DisplayPhoneNumber,
	}
	if inbound {
		patch.Direction = store.Inbound
		patch.Increment = 1
	}

	var conv *store.Conversation
	err := store.WithRetry(ctx, store.DefaultRetry, func() error {
		var err error
		conv, err = a.store.UpsertConversation(ctx, patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.publish(conv)
	return conv, nil
}

// RecordMessage updates both participants of a direct message: the sender's
// row as outbound and the recipient's row as inbound.
func (a *Aggregator) RecordMessage(ctx context.Context, m *store.Message) ([]*store.Conversation, error) {
	p := Patch{Content: m.Preview(), At: m.Timestamp}

	sender, err := a.Upsert(ctx, m.From, m.To, p, false)
	if err != nil {
		return nil, err
	}
	recipient, err := a.Upsert(ctx, m.To, m.From, p, true)
	if err != nil {
		return []*store.Conversation{sender}, err
	}
	return []*store.Conversation{sender, recipient}, nil
}

// RecordForOwner updates a single owner's row for a message whose direction
// is already known relative to that owner, as with provider webhooks.
func (a *Aggregator) RecordForOwner(ctx context.Context, owner string, m *store.Message, p Patch) (*store.Conversation, error) {
	if p.Content == "" {
		p.Content = m.Preview()
	}
	if p.At == 0 {
		p.At = m.Timestamp
	}
	if p.ContactName == "" {
		p.ContactName = m.ContactName
	}
	return a.Upsert(ctx, owner, m.WaID, p, m.Direction == store.Inbound)
}

// MarkRead zeroes owner's unread counter for waID.
func (a *Aggregator) MarkRead(ctx context.Context, owner, waID string) error {
	if err := a.store.ResetUnread(ctx, owner, waID); err != nil {
		return fmt.Errorf("reset unread %s/%s: %w", owner, waID, err)
	}
	if a.bus != nil {
		a.bus.Emit(bus.ConversationUpdated, bus.ConversationPayload{Owner: owner, WaID: waID})
	}
	return nil
}

func (a *Aggregator) publish(c *store.Conversation) {
	a.logger.Debug("conversation updated",
		zap.String("owner", c.Owner),
		zap.String("wa_id", c.WaID),
		zap.Int("unread", c.UnreadCount),
	)
	if a.bus != nil {
		a.bus.Emit(bus.ConversationUpdated, bus.ConversationPayload{Owner: c.Owner, WaID: c.WaID, UnreadCount: c.UnreadCount})
	}
}

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatrelay/internal/bus"
	"github.com/matheus3301/chatrelay/internal/conversation"
	"github.com/matheus3301/chatrelay/internal/logging"
	"github.com/matheus3301/chatrelay/internal/metrics"
	"github.com/matheus3301/chatrelay/internal/status"
	"github.com/matheus3301/chatrelay/internal/store"
	"go.uber.org/zap"
)

// Store is the slice of the message store the pipeline needs.
type Store interface {
	CreateMessage(ctx context.Context, m *store.Message) error
	GetMessage(ctx context.Context, key string) (*store.Message, error)
	UpdateStatus(ctx context.Context, u store.StatusUpdate) (*store.Message, error)
	AttachMetaID(ctx context.Context, messageID, metaID string) error
	GetUserByPhone(ctx context.Context, phone string) (*store.User, error)
	GetConversation(ctx context.Context, owner, waID string) (*store.Conversation, error)
}

// Notifier pushes a newly ingested message to the owner's live connections.
type Notifier interface {
	NotifyInbound(owner string, m *store.Message) int
}

// State is the furthest step an item reached.
type State string

const (
	StateReceived            State = "received"
	StateNormalized          State = "normalized"
	StateDeduped             State = "deduped"
	StatePersisted           State = "persisted"
	StateConversationUpdated State = "conversation_updated"
	StateDone                State = "done"
	StateStale               State = "stale"
	StateSkipped             State = "skipped"
	StateFailed              State = "failed"
)

// Item kinds.
const (
	KindMessage = "message"
	KindStatus  = "status"
)

// ItemResult is the outcome of one message or status record.
type ItemResult struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	State State  `json:"state"`
	Error string `json:"error,omitempty"`
}

// Result summarizes one payload. Processed counts every item that took
// effect: new messages and applied status changes alike. StatusUpdated is
// the status share of Processed. Redeliveries land in Duplicates.
type Result struct {
	Source        string       `json:"source"`
	Processed     int          `json:"processed"`
	Duplicates    int          `json:"duplicates"`
	StatusUpdated int          `json:"status_updated"`
	Stale         int          `json:"stale"`
	Skipped       int          `json:"skipped"`
	Failed        int          `json:"failed"`
	Items         []ItemResult `json:"items"`
}

func (r *Result) record(item ItemResult) {
	r.Items = append(r.Items, item)
	switch item.State {
	case StateDone:
		r.Processed++
		if item.Kind == KindStatus {
			r.StatusUpdated++
		}
	case StateDeduped:
		r.Duplicates++
	case StateStale:
		r.Stale++
	case StateSkipped:
		r.Skipped++
	case StateFailed:
		r.Failed++
	}
	metrics.IngestItems.WithLabelValues(item.Kind, string(item.State)).Inc()
}

// Merge adds the counters and items of o to r.
func (r *Result) Merge(o *Result) {
	r.Processed += o.Processed
	r.Duplicates += o.Duplicates
	r.StatusUpdated += o.StatusUpdated
	r.Stale += o.Stale
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Items = append(r.Items, o.Items...)
}

// Options configures a Pipeline.
type Options struct {
	// ChannelNumber is the business number used when a change carries no
	// metadata.
	ChannelNumber string
	Retry         store.RetryPolicy
}

// Pipeline normalizes webhooks, deduplicates messages and reconciles status
// records. Item failures are recorded and never abort the payload.
type Pipeline struct {
	store     Store
	agg       *conversation.Aggregator
	notifier  Notifier
	bus       *bus.Bus
	validator *Validator
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

// New creates a pipeline. notifier and b may be nil.
func New(s Store, agg *conversation.Aggregator, notifier Notifier, b *bus.Bus, logger *zap.Logger, opts Options) (*Pipeline, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = store.DefaultRetry
	}
	opts.ChannelNumber = Digits(opts.ChannelNumber)
	return &Pipeline{
		store:     s,
		agg:       agg,
		notifier:  notifier,
		bus:       b,
		validator: v,
		logger:    logging.OrNop(logger),
		opts:      opts,
		now:       time.Now,
	}, nil
}

// Ingest validates and processes a raw webhook body. It fails only when the
// envelope itself is invalid.
func (p *Pipeline) Ingest(ctx context.Context, data []byte, source string) (*Result, error) {
	metrics.WebhooksReceived.WithLabelValues(SourceLabel(source)).Inc()
	if err := p.validator.Validate(data); err != nil {
		p.logger.Warn("webhook rejected", zap.String("source", source), zap.Error(err))
		return nil, err
	}
	payload, err := Decode(data)
	if err != nil {
		p.logger.Warn("webhook rejected", zap.String("source", source), zap.Error(err))
		return nil, err
	}
	return p.Process(ctx, payload, source), nil
}

// SourceLabel maps a free-form ingest source such as "relayctl:day1.json"
// onto the bounded set used as a metric label.
func SourceLabel(source string) string {
	kind, _, _ := strings.Cut(source, ":")
	switch kind {
	case "http", "spool", "rpc":
		return kind
	case "relayctl":
		return "rpc"
	}
	return "other"
}

// Process runs every relevant change of payload through the pipeline.
func (p *Pipeline) Process(ctx context.Context, payload *Payload, source string) *Result {
	res := &Result{Source: source, Items: []ItemResult{}}
	for _, entry := range payload.AllEntries() {
		for i := range entry.Changes {
			change := &entry.Changes[i]
			if change.Field != "messages" {
				continue
			}
			ch := p.channel(ctx, change.Value.Metadata)
			for _, data := range change.Value.Messages {
				res.record(p.processMessage(ctx, ch, &change.Value, data))
			}
			for _, data := range change.Value.Statuses {
				res.record(p.processStatus(ctx, data))
			}
		}
	}

	if p.bus != nil {
		p.bus.Emit(bus.IngestCompleted, bus.IngestPayload{Source: source, Processed: res.Processed, Failed: res.Failed})
	}
	p.logger.Info("webhook processed",
		zap.String("source", source),
		zap.Int("processed", res.Processed),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("status_updated", res.StatusUpdated),
		zap.Int("stale", res.Stale),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res
}

// channel resolves the receiving channel of a change and its owner.
func (p *Pipeline) channel(ctx context.Context, md *Metadata) channel {
	ch := channel{Number: p.opts.ChannelNumber}
	if md != nil {
		if n := Digits(md.DisplayPhoneNumber); n != "" {
			ch.Number = n
		}
		ch.PhoneNumberID = md.PhoneNumberID
	}
	ch.Owner = ch.Number
	if ch.Number == "" {
		return ch
	}

	u, err := p.store.GetUserByPhone(ctx, ch.Number)
	switch {
	case err == nil:
		ch.Owner = u.Username
	case !errors.Is(err, store.ErrNotFound):
		p.logger.Warn("channel owner lookup failed", zap.String("number", ch.Number), zap.Error(err))
	}
	return ch
}

func (p *Pipeline) processMessage(ctx context.Context, ch channel, value *ChangeValue, data json.RawMessage) ItemResult {
	item := ItemResult{Kind: KindMessage, State: StateReceived}
	fail := func(err error) ItemResult {
		item.State = StateFailed
		item.Error = err.Error()
		p.logger.Error("webhook message failed", zap.String("message_id", item.ID), zap.Error(err))
		return item
	}

	raw, err := decodeItem[RawMessage](data)
	if err != nil {
		item.ID = itemID(data)
		return fail(err)
	}
	item.ID = raw.ID
	if ch.Owner == "" {
		return fail(errors.New("no channel number in metadata or configuration"))
	}
	m, patch, err := normalize(raw, value, ch, p.now().UnixMilli())
	if err != nil {
		return fail(err)
	}
	item.State = StateNormalized

	created, err := p.persist(ctx, m)
	if err != nil {
		return fail(err)
	}
	if !created {
		item.State = StateDeduped
		p.logger.Info("message already stored, skipping", zap.String("message_id", m.MessageID))
		if err := p.repairSummary(ctx, ch.Owner, m, patch); err != nil {
			return fail(fmt.Errorf("repair conversation: %w", err))
		}
		return item
	}
	item.State = StatePersisted
	if p.bus != nil {
		p.bus.Emit(bus.MessagePersisted, bus.MessagePayload{
			MessageID: m.MessageID, ConvKey: m.ConvKey, From: m.From, To: m.To,
			Status: string(m.Status), Source: "webhook",
		})
	}

	if _, err := p.agg.RecordForOwner(ctx, ch.Owner, m, patch); err != nil {
		return fail(fmt.Errorf("update conversation: %w", err))
	}
	item.State = StateConversationUpdated

	if p.notifier != nil {
		p.notifier.NotifyInbound(ch.Owner, m)
	}
	item.State = StateDone
	p.logger.Debug("webhook message stored",
		zap.String("message_id", m.MessageID),
		zap.String("owner", ch.Owner),
		zap.String("wa_id", m.WaID),
		zap.String("direction", string(m.Direction)),
	)
	return item
}

// repairSummary recreates the owner's summary of a redelivered message when
// an earlier delivery stored the message but failed before the summary was
// written. Existing summaries are left alone so the unread count is not
// incremented twice.
func (p *Pipeline) repairSummary(ctx context.Context, owner string, m *store.Message, patch conversation.Patch) error {
	_, err := p.store.GetConversation(ctx, owner, m.WaID)
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := p.agg.RecordForOwner(ctx, owner, m, patch); err != nil {
		return err
	}
	p.logger.Warn("conversation summary repaired on redelivery",
		zap.String("message_id", m.MessageID),
		zap.String("owner", owner),
		zap.String("wa_id", m.WaID),
	)
	return nil
}

// persist creates m and reports whether this call created it. A conflict
// after a transient retry means an earlier attempt committed.
func (p *Pipeline) persist(ctx context.Context, m *store.Message) (bool, error) {
	attempt := 0
	err := store.WithRetry(ctx, p.opts.Retry, func() error {
		attempt++
		err := p.store.CreateMessage(ctx, m)
		if errors.Is(err, store.ErrConflict) && attempt > 1 {
			return nil
		}
		return err
	})
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pipeline) processStatus(ctx context.Context, data json.RawMessage) ItemResult {
	raw, err := decodeItem[RawStatus](data)
	if err != nil {
		item := ItemResult{Kind: KindStatus, ID: itemID(data), State: StateFailed, Error: err.Error()}
		p.logger.Error("status record failed", zap.String("id", item.ID), zap.Error(err))
		return item
	}
	id := raw.ID
	if id == "" {
		id = raw.MetaMsgID
	}
	item := ItemResult{Kind: KindStatus, ID: id, State: StateReceived}

	st, err := status.Parse(strings.ToLower(strings.TrimSpace(raw.Status)))
	if err != nil {
		item.State = StateSkipped
		item.Error = err.Error()
		p.logger.Warn("status record skipped", zap.String("id", id), zap.Error(err))
		return item
	}
	if id == "" {
		item.State = StateSkipped
		item.Error = "status record without id or meta_msg_id"
		p.logger.Warn("status record skipped: missing both id and meta_msg_id")
		return item
	}

	m, err := p.resolve(ctx, raw)
	if errors.Is(err, store.ErrNotFound) {
		// Status records can overtake the message they describe.
		item.State = StateSkipped
		item.Error = err.Error()
		p.logger.Warn("message not found for status update", zap.String("id", id), zap.String("status", string(st)))
		return item
	}
	if err != nil {
		item.State = StateFailed
		item.Error = err.Error()
		p.logger.Error("status lookup failed", zap.String("id", id), zap.Error(err))
		return item
	}
	item.State = StateNormalized

	meta := raw.MetaMsgID
	if meta == "" {
		meta = raw.ID
	}
	if m.Status == st {
		if err := p.store.AttachMetaID(ctx, m.MessageID, meta); err != nil {
			p.logger.Warn("attach meta id failed", zap.String("message_id", m.MessageID), zap.Error(err))
		}
		item.State = StateDeduped
		return item
	}

	var updated *store.Message
	err = store.WithRetry(ctx, p.opts.Retry, func() error {
		var err error
		updated, err = p.store.UpdateStatus(ctx, store.StatusUpdate{Key: m.MessageID, Status: st, MetaMsgID: meta})
		return err
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		item.State = StateStale
		item.Error = err.Error()
		p.logger.Info("stale status ignored",
			zap.String("message_id", m.MessageID),
			zap.String("current", string(m.Status)),
			zap.String("received", string(st)),
		)
		return item
	}
	if err != nil {
		item.State = StateFailed
		item.Error = err.Error()
		p.logger.Error("status update failed", zap.String("message_id", m.MessageID), zap.Error(err))
		return item
	}

	if p.bus != nil {
		p.bus.Emit(bus.MessageStatus, bus.MessagePayload{
			MessageID: updated.MessageID, ConvKey: updated.ConvKey, From: updated.From, To: updated.To,
			Status: string(updated.Status), Source: "webhook",
		})
	}
	item.State = StateDone
	p.logger.Info("message status updated", zap.String("message_id", updated.MessageID), zap.String("status", string(st)))
	return item
}

// resolve finds the message a status record refers to, by id first and
// meta_msg_id second.
func (p *Pipeline) resolve(ctx context.Context, raw *RawStatus) (*store.Message, error) {
	var lastErr error
	for _, key := range []string{raw.ID, raw.MetaMsgID} {
		if key == "" {
			continue
		}
		var m *store.Message
		err := store.WithRetry(ctx, p.opts.Retry, func() error {
			var err error
			m, err = p.store.GetMessage(ctx, key)
			return err
		})
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

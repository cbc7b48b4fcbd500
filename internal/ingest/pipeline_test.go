package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatrelay/internal/bus"
	"github.com/matheus3301/chatrelay/internal/conversation"
	"github.com/matheus3301/chatrelay/internal/status"
	"github.com/matheus3301/chatrelay/internal/store"
)

const channelNumber = "15551234567"

type recordingNotifier struct {
	mu     sync.Mutex
	owners []string
}

func (n *recordingNotifier) NotifyInbound(owner string, _ *store.Message) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.owners = append(n.owners, owner)
	return 1
}

func setup(t *testing.T) (*Pipeline, *store.DB, *recordingNotifier) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	n := &recordingNotifier{}
	p, err := New(db, conversation.New(db, b, nil), n, b, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	return p, db, n
}

func messagePayload(id, from, body string) string {
	return fmt.Sprintf(`{
		"entries": [{
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"display_phone_number": "+1 555 123 4567", "phone_number_id": "pn-1"},
					"contacts": [{"wa_id": %q, "profile": {"name": "Ravi <b>Kumar</b>"}}],
					"messages": [{"id": %q, "from": %q, "timestamp": "1754400000", "type": "text", "text": {"body": %q}}]
				}
			}]
		}]
	}`, from, id, from, body)
}

func statusPayload(id, st string) string {
	return fmt.Sprintf(`{
		"entry": [{
			"changes": [{
				"field": "messages",
				"value": {"statuses": [{"id": %q, "status": %q, "timestamp": 1754400100}]}
			}]
		}]
	}`, id, st)
}

func ingest(t *testing.T, p *Pipeline, body string) *Result {
	t.Helper()
	res, err := p.Ingest(context.Background(), []byte(body), "test")
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	return res
}

func TestDuplicateWebhook(t *testing.T) {
	p, db, n := setup(t)
	body := messagePayload("wamid.ABC", "919937320320", "hello")

	first := ingest(t, p, body)
	if first.Processed != 1 {
		t.Fatalf("first Processed = %d, want 1", first.Processed)
	}
	second := ingest(t, p, body)
	if second.Processed != 0 || second.Duplicates != 1 {
		t.Errorf("second = %+v, want 0 processed, 1 duplicate", second)
	}
	if second.Items[0].State != StateDeduped {
		t.Errorf("second item state = %q, want deduped", second.Items[0].State)
	}

	ctx := context.Background()
	if count, _ := db.MessageCount(ctx); count != 1 {
		t.Errorf("MessageCount = %d, want 1", count)
	}
	conv, err := db.GetConversation(ctx, channelNumber, "919937320320")
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", conv.UnreadCount)
	}
	if conv.ContactName != "Ravi bKumar/b" {
		t.Errorf("contact name = %q", conv.ContactName)
	}
	if conv.PhoneNumberID != "pn-1" || conv.DisplayPhoneNumber != channelNumber {
		t.Errorf("metadata = %q/%q", conv.PhoneNumberID, conv.DisplayPhoneNumber)
	}
	if len(n.owners) != 1 || n.owners[0] != channelNumber {
		t.Errorf("notified %v, want one notification to the channel", n.owners)
	}
}

func TestInboundMessageFields(t *testing.T) {
	p, db, _ := setup(t)
	ingest(t, p, messagePayload("wamid.1", "919937320320", "  hi <there> "))

	m, err := db.GetMessage(context.Background(), "wamid.1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Direction != store.Inbound {
		t.Errorf("direction = %q, want inbound", m.Direction)
	}
	if m.Preview() != "hi there" {
		t.Errorf("body = %q, want sanitized", m.Preview())
	}
	if m.Timestamp != 1754400000000 {
		t.Errorf("timestamp = %d, want milliseconds", m.Timestamp)
	}
	if m.ConvKey != store.ConvKey(channelNumber, "919937320320") {
		t.Errorf("conv key = %q", m.ConvKey)
	}
	if m.Status != status.Sent {
		t.Errorf("status = %q", m.Status)
	}
}

func TestOutboundMessageOwnedByRegisteredUser(t *testing.T) {
	p, db, n := setup(t)
	ctx := context.Background()
	if err := db.CreateUser(ctx, &store.User{Username: "support", Phone: channelNumber}); err != nil {
		t.Fatal(err)
	}

	body := `{"entries":[{"changes":[{"field":"messages","value":{
		"metadata":{"display_phone_number":"15551234567","phone_number_id":"pn-1"},
		"messages":[{"id":"wamid.OUT","from":"15551234567","to":"919937320320","timestamp":"1754400000","type":"text","text":{"body":"we shipped it"}}]
	}}]}]}`
	res := ingest(t, p, body)
	if res.Processed != 1 {
		t.Fatalf("Processed = %d, want 1", res.Processed)
	}

	m, _ := db.GetMessage(ctx, "wamid.OUT")
	if m.Direction != store.Outbound || m.From != "support" || m.WaID != "919937320320" {
		t.Errorf("message = %+v", m)
	}
	conv, err := db.GetConversation(ctx, "support", "919937320320")
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for outbound", conv.UnreadCount)
	}
	if conv.LastMessageContent != "we shipped it" {
		t.Errorf("last message = %q", conv.LastMessageContent)
	}
	if len(n.owners) != 1 || n.owners[0] != "support" {
		t.Errorf("notified %v", n.owners)
	}
}

func TestStatusRace(t *testing.T) {
	p, db, _ := setup(t)
	ctx := context.Background()

	// The status arrives before the message it describes.
	early := ingest(t, p, statusPayload("wamid.RACE", "delivered"))
	if early.Skipped != 1 || early.Failed != 0 {
		t.Errorf("early status = %+v, want skipped", early)
	}

	ingest(t, p, messagePayload("wamid.RACE", "919937320320", "late"))
	if res := ingest(t, p, statusPayload("wamid.RACE", "read")); res.StatusUpdated != 1 {
		t.Errorf("read status = %+v, want applied", res)
	}

	stale := ingest(t, p, statusPayload("wamid.RACE", "delivered"))
	if stale.Stale != 1 || stale.Failed != 0 {
		t.Errorf("backward status = %+v, want stale", stale)
	}
	again := ingest(t, p, statusPayload("wamid.RACE", "read"))
	if again.Duplicates != 1 {
		t.Errorf("repeated status = %+v, want duplicate", again)
	}

	m, _ := db.GetMessage(ctx, "wamid.RACE")
	if m.Status != status.Read {
		t.Errorf("status = %q, want read", m.Status)
	}
}

func TestStatusByMetaID(t *testing.T) {
	p, db, _ := setup(t)
	ctx := context.Background()
	if err := db.CreateMessage(ctx, &store.Message{MessageID: "local-1", ConvKey: "a:b", From: "a", To: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := db.AttachMetaID(ctx, "local-1", "wamid.META"); err != nil {
		t.Fatal(err)
	}

	body := `{"entry":[{"changes":[{"field":"messages","value":{"statuses":[{"id":"gs-9","meta_msg_id":"wamid.META","status":"delivered"}]}}]}]}`
	if res := ingest(t, p, body); res.Processed != 1 || res.StatusUpdated != 1 {
		t.Fatalf("result = %+v, want one processed status update", res)
	}
	m, _ := db.GetMessage(ctx, "local-1")
	if m.Status != status.Delivered {
		t.Errorf("status = %q, want delivered", m.Status)
	}
}

func TestMessagesAndStatusesInOneChange(t *testing.T) {
	p, db, _ := setup(t)
	ctx := context.Background()
	ingest(t, p, messagePayload("wamid.OLD", "919937320320", "first"))

	body := `{"entries":[{"changes":[{"field":"messages","value":{
		"metadata":{"display_phone_number":"15551234567"},
		"messages":[{"id":"wamid.NEW","from":"919937320320","timestamp":"1754400200","type":"text","text":{"body":"second"}}],
		"statuses":[{"id":"wamid.OLD","status":"read"}]
	}}]}]}`
	res := ingest(t, p, body)
	if res.Processed != 2 || res.StatusUpdated != 1 {
		t.Errorf("result = %+v, want message and status both processed", res)
	}
	if m, _ := db.GetMessage(ctx, "wamid.OLD"); m.Status != status.Read {
		t.Errorf("old status = %q", m.Status)
	}
	if count, _ := db.MessageCount(ctx); count != 2 {
		t.Errorf("MessageCount = %d, want 2", count)
	}
}

func TestUnreadCountsEveryInboundMessage(t *testing.T) {
	p, db, _ := setup(t)
	for i := range 5 {
		ingest(t, p, messagePayload(fmt.Sprintf("wamid.%d", i), "919937320320", "ping"))
	}
	conv, _ := db.GetConversation(context.Background(), channelNumber, "919937320320")
	if conv.UnreadCount != 5 {
		t.Errorf("unread = %d, want 5", conv.UnreadCount)
	}
}

func TestItemFailureDoesNotAbortPayload(t *testing.T) {
	p, db, _ := setup(t)
	body := `{"entries":[{"changes":[{"field":"messages","value":{
		"metadata":{"display_phone_number":"15551234567"},
		"messages":[
			{"id":"wamid.BAD","from":"---","type":"text","text":{"body":"no sender digits"}},
			{"id":"wamid.GOOD","from":"919937320320","type":"text","text":{"body":"fine"}}
		]
	}}]}]}`
	res := ingest(t, p, body)
	if res.Failed != 1 || res.Processed != 1 {
		t.Errorf("result = %+v, want one failure and one success", res)
	}
	if _, err := db.GetMessage(context.Background(), "wamid.GOOD"); err != nil {
		t.Errorf("good message not stored: %v", err)
	}
}

func TestMalformedItemDoesNotAbortPayload(t *testing.T) {
	p, db, _ := setup(t)
	ctx := context.Background()
	body := `{"entries":[{"changes":[{"field":"messages","value":{
		"metadata":{"display_phone_number":"15551234567"},
		"messages":[
			{"id":"wamid.TEXT","from":"919937320320","timestamp":"1754400000","type":"text","text":"x"},
			{"id":"wamid.FRAC","from":"919937320320","timestamp":"1754400000.5","type":"text","text":{"body":"half"}},
			{"id":"wamid.GOOD","from":"919937320320","timestamp":"1754400001","type":"text","text":{"body":"fine"}}
		],
		"statuses":[{"id":"wamid.GOOD","status":"read","timestamp":"soon"}]
	}}]}]}`
	res := ingest(t, p, body)
	if res.Processed != 2 || res.Failed != 2 {
		t.Errorf("result = %+v, want two processed and two failed", res)
	}
	if got := res.Items[0]; got.ID != "wamid.TEXT" || got.State != StateFailed {
		t.Errorf("first item = %+v, want wamid.TEXT failed", got)
	}
	if got := res.Items[3]; got.Kind != KindStatus || got.ID != "wamid.GOOD" || got.State != StateFailed {
		t.Errorf("status item = %+v, want wamid.GOOD failed", got)
	}

	if _, err := db.GetMessage(ctx, "wamid.TEXT"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("malformed message stored: %v", err)
	}
	good, err := db.GetMessage(ctx, "wamid.GOOD")
	if err != nil {
		t.Fatalf("good message not stored: %v", err)
	}
	if good.Status != status.Sent {
		t.Errorf("good status = %q, want sent", good.Status)
	}
	frac, err := db.GetMessage(ctx, "wamid.FRAC")
	if err != nil {
		t.Fatalf("fractional timestamp message not stored: %v", err)
	}
	if frac.Timestamp != 1754400000500 {
		t.Errorf("timestamp = %d, want 1754400000500", frac.Timestamp)
	}
}

// flakySummaries fails conversation upserts while fail is set.
type flakySummaries struct {
	*store.DB
	fail atomic.Bool
}

func (s *flakySummaries) UpsertConversation(ctx context.Context, patch store.ConversationPatch) (*store.Conversation, error) {
	if s.fail.Load() {
		return nil, errors.New("summary store unavailable")
	}
	return s.DB.UpsertConversation(ctx, patch)
}

func TestRedeliveryRepairsMissingSummary(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	summaries := &flakySummaries{DB: db}
	p, err := New(db, conversation.New(summaries, nil, nil), nil, nil, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	body := messagePayload("wamid.REPAIR", "919937320320", "hello")

	summaries.fail.Store(true)
	first := ingest(t, p, body)
	if first.Failed != 1 || first.Processed != 0 {
		t.Fatalf("first = %+v, want the item failed", first)
	}
	if _, err := db.GetMessage(ctx, "wamid.REPAIR"); err != nil {
		t.Fatalf("message not stored before the summary failure: %v", err)
	}
	if _, err := db.GetConversation(ctx, channelNumber, "919937320320"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetConversation() error = %v, want not found", err)
	}

	summaries.fail.Store(false)
	second := ingest(t, p, body)
	if second.Duplicates != 1 || second.Failed != 0 {
		t.Errorf("second = %+v, want one duplicate", second)
	}
	conv, err := db.GetConversation(ctx, channelNumber, "919937320320")
	if err != nil {
		t.Fatalf("summary not repaired: %v", err)
	}
	if conv.UnreadCount != 1 || conv.LastMessageContent != "hello" {
		t.Errorf("summary = %+v, want one unread hello", conv)
	}

	ingest(t, p, body)
	conv, _ = db.GetConversation(ctx, channelNumber, "919937320320")
	if conv.UnreadCount != 1 {
		t.Errorf("unread after third delivery = %d, want 1", conv.UnreadCount)
	}
}

func TestSourceLabel(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"http", "http"},
		{"spool", "spool"},
		{"rpc", "rpc"},
		{"relayctl:day1.json", "rpc"},
		{"relayctl:day2.json", "rpc"},
		{"rpc:nightly", "rpc"},
		{"", "other"},
		{"test", "other"},
	}
	for _, tt := range tests {
		if got := SourceLabel(tt.source); got != tt.want {
			t.Errorf("SourceLabel(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}

func TestMetaDataEnvelope(t *testing.T) {
	p, _, _ := setup(t)
	body := `{"payload_type":"whatsapp_webhook","metaData":{"gs_app_id":"app-1","entry":[{"id":"e1","changes":[{"field":"messages","value":{
		"metadata":{"display_phone_number":"15551234567"},
		"messages":[{"id":"wamid.GS","from":"919937320320","timestamp":1754400000,"type":"sticker"}]
	}}]}]}}`
	res := ingest(t, p, body)
	if res.Processed != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestIgnoresOtherFields(t *testing.T) {
	p, db, _ := setup(t)
	body := `{"entries":[{"changes":[{"field":"account_update","value":{"messages":[{"id":"x","from":"1"}]}}]}]}`
	res := ingest(t, p, body)
	if len(res.Items) != 0 {
		t.Errorf("items = %+v, want none", res.Items)
	}
	if count, _ := db.MessageCount(context.Background()); count != 0 {
		t.Errorf("MessageCount = %d", count)
	}
}

func TestInvalidEnvelope(t *testing.T) {
	p, _, _ := setup(t)
	for _, body := range []string{
		`not json`,
		`{"something":"else"}`,
		`{"entries":"nope"}`,
		`{"entries":[{"changes":[{"field":"messages","value":{"messages":[{"from":"1"}]}}]}]}`,
	} {
		if _, err := p.Ingest(context.Background(), []byte(body), "test"); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("Ingest(%s) error = %v, want ErrInvalidPayload", body, err)
		}
	}
}

func TestIngestPublishesCompletion(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	ch, unsub := b.Subscribe("ingest.", 4)
	defer unsub()

	p, err := New(db, conversation.New(db, nil, nil), nil, b, nil, Options{ChannelNumber: channelNumber})
	if err != nil {
		t.Fatal(err)
	}
	ingest(t, p, `{"entries":[{"changes":[{"field":"messages","value":{"messages":[{"id":"wamid.X","from":"919937320320","type":"text","text":{"body":"hi"}}]}}]}]}`)

	select {
	case evt := <-ch:
		payload := evt.Payload.(bus.IngestPayload)
		if payload.Processed != 1 || payload.Source != "test" {
			t.Errorf("payload = %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ingest.completed")
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matheus3301/chatrelay/internal/bus"
	"github.com/matheus3301/chatrelay/internal/conversation"
	"github.com/matheus3301/chatrelay/internal/registry"
	"github.com/matheus3301/chatrelay/internal/status"
	"github.com/matheus3301/chatrelay/internal/store"
)

type recordingPusher struct {
	mu     sync.Mutex
	pushes []Push
}

func (p *recordingPusher) Push(addr registry.Address, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, Push{To: addr, Event: event, Payload: payload})
	return nil
}

// to returns the events pushed to addr, in order.
func (p *recordingPusher) to(addr registry.Address) []Push {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Push
	for _, push := range p.pushes {
		if push.To == addr {
			out = append(out, push)
		}
	}
	return out
}

func (p *recordingPusher) reset() {
	p.mu.Lock()
	p.pushes = nil
	p.mu.Unlock()
}

type fixture struct {
	db     *store.DB
	reg    *registry.Registry
	bus    *bus.Bus
	router *Router
	disp   *Dispatcher
	pusher *recordingPusher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, reg: registry.New(), bus: bus.New(), pusher: &recordingPusher{}}
	agg := conversation.New(db, f.bus, nil)
	f.router = NewRouter(f.reg, db, agg, f.bus, nil)
	f.disp = NewDispatcher(f.router, f.reg, f.pusher, f.bus, nil)
	return f
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func (f *fixture) join(t *testing.T, name string) registry.Address {
	t.Helper()
	addr := registry.Address("conn-" + name)
	f.disp.Dispatch(context.Background(), Inbound{
		Address: addr, Identity: name, Event: EventJoinUser, Data: raw(t, JoinRequest{Username: name}),
	})
	if _, ok := f.reg.Identity(addr); !ok {
		t.Fatalf("%s did not join", name)
	}
	return addr
}

func (f *fixture) send(t *testing.T, addr registry.Address, identity string, in SendIntent) []Push {
	t.Helper()
	return f.disp.Dispatch(context.Background(), Inbound{
		Address: addr, Identity: identity, Event: EventSendMessage, Data: raw(t, in),
	})
}

func events(pushes []Push) []string {
	out := make([]string, len(pushes))
	for i, p := range pushes {
		out[i] = p.Event
	}
	return out
}

func errorCode(t *testing.T, pushes []Push) string {
	t.Helper()
	if len(pushes) != 1 || pushes[0].Event != EventError {
		t.Fatalf("pushes = %v, want a single error", events(pushes))
	}
	return pushes[0].Payload.(ErrorPayload).Code
}

func TestConnectedDelivery(t *testing.T) {
	f := newFixture(t)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	f.pusher.reset()

	f.send(t, alice, "alice", SendIntent{From: "alice", To: "bob", Message: "hi"})

	bobGot := f.pusher.to(bob)
	if len(bobGot) != 1 || bobGot[0].Event != EventNewMessage {
		t.Fatalf("bob got %v, want one newMessage", events(bobGot))
	}
	msg := bobGot[0].Payload.(MessagePayload)
	if msg.Content != "hi" || msg.From != "alice" {
		t.Errorf("newMessage payload = %+v", msg)
	}

	aliceGot := f.pusher.to(alice)
	if got := events(aliceGot); len(got) != 2 || got[0] != EventMessageSent || got[1] != EventMessageDelivered {
		t.Errorf("alice got %v, want [message-sent message-delivered]", got)
	}

	stored, err := f.db.GetMessage(context.Background(), msg.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != status.Sent {
		t.Errorf("durable status = %q, want sent", stored.Status)
	}
}

func TestOfflineDelivery(t *testing.T) {
	f := newFixture(t)
	alice := f.join(t, "alice")
	f.pusher.reset()

	f.send(t, alice, "alice", SendIntent{From: "alice", To: "bob", Message: "are you there?"})

	if got := events(f.pusher.to(alice)); len(got) != 1 || got[0] != EventMessageSent {
		t.Errorf("alice got %v, want [message-sent]", got)
	}

	ctx := context.Background()
	msgs, _, err := f.db.FindByCounterpart(ctx, "bob", "alice", store.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Status != status.Sent || msgs[0].Preview() != "are you there?" {
		t.Fatalf("bob's history = %+v", msgs)
	}
	conv, err := f.db.GetConversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadCount != 1 {
		t.Errorf("bob unread = %d, want 1", conv.UnreadCount)
	}
}

func TestSpoofedSenderRejected(t *testing.T) {
	f := newFixture(t)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	f.pusher.reset()

	pushes := f.send(t, alice, "alice", SendIntent{From: "bob", To: "carol", Message: "pretending"})
	if code := errorCode(t, pushes); code != "unauthorized" {
		t.Errorf("code = %q, want unauthorized", code)
	}
	if pushes[0].To != alice {
		t.Errorf("error pushed to %s, want originating connection", pushes[0].To)
	}
	if n, _ := f.db.MessageCount(context.Background()); n != 0 {
		t.Errorf("stored %d messages, want 0", n)
	}
	if got := f.pusher.to(bob); len(got) != 0 {
		t.Errorf("bob got %v, want nothing", events(got))
	}
}

func TestSendBeforeJoinRejected(t *testing.T) {
	f := newFixture(t)
	pushes := f.send(t, "conn-x", "alice", SendIntent{From: "alice", To: "bob", Message: "hi"})
	if code := errorCode(t, pushes); code != "unauthorized" {
		t.Errorf("code = %q, want unauthorized", code)
	}
}

func TestSelfMessageRejected(t *testing.T) {
	f := newFixture(t)
	alice := f.join(t, "alice")
	pushes := f.send(t, alice, "alice", SendIntent{From: "alice", To: "ALICE", Message: "me"})
	if code := errorCode(t, pushes); code != "invalid_target" {
		t.Errorf("code = %q, want invalid_target", code)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t)
	alice := f.join(t, "alice")
	pushes := f.send(t, alice, "alice", SendIntent{From: "alice", To: "bob", Message: "  <> "})
	if code := errorCode(t, pushes); code != "bad_request" {
		t.Errorf("code = %q, want bad_request", code)
	}
}

func TestClientRetryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	f.pusher.reset()

	in := SendIntent{From: "alice", To: "bob", Message: "once", ClientID: "client-1"}
	f.send(t, alice, "alice", in)
	f.send(t, alice, "alice", in)

	if got := f.pusher.to(bob); len(got) != 1 {
		t.Errorf("bob got %v, want exactly one newMessage", events(got))
	}
	if n, _ := f.db.MessageCount(context.Background()); n != 1 {
		t.Errorf("stored %d messages, want 1", n)
	}
	aliceGot := events(f.pusher.to(alice))
	if len(aliceGot) != 3 || aliceGot[2] != EventMessageSent {
		t.Errorf("alice got %v, want second attempt acknowledged", aliceGot)
	}
}

func TestJoinBroadcastsPresence(t *testing.T) {
	f := newFixture(t)
	bob := f.join(t, "bob")
	f.pusher.reset()

	alice := f.join(t, "alice")

	aliceGot := f.pusher.to(alice)
	if len(aliceGot) != 1 || aliceGot[0].Event != EventJoinedRoom {
		t.Fatalf("alice got %v, want [joined-room]", events(aliceGot))
	}
	if users := aliceGot[0].Payload.(OnlineUsersPayload).Users; len(users) != 2 {
		t.Errorf("joined-room users = %v", users)
	}

	bobGot := f.pusher.to(bob)
	if got := events(bobGot); len(got) != 2 || got[0] != EventUserOnline || got[1] != EventOnlineUsers {
		t.Fatalf("bob got %v, want [user-online online-users]", got)
	}
	if who := bobGot[0].Payload.(PresencePayload).Username; who != "alice" {
		t.Errorf("user-online for %q", who)
	}
}

func TestJoinAsSomeoneElseRejected(t *testing.T) {
	f := newFixture(t)
	pushes := f.disp.Dispatch(context.Background(), Inbound{
		Address: "conn-1", Identity: "mallory", Event: EventJoinUser, Data: raw(t, JoinRequest{Username: "alice"}),
	})
	if code := errorCode(t, pushes); code != "unauthorized" {
		t.Errorf("code = %q, want unauthorized", code)
	}
	if f.reg.Count() != 0 {
		t.Error("registry mutated by rejected join")
	}
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	f := newFixture(t)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	f.pusher.reset()

	f.disp.Dispatch(context.Background(), Inbound{Address: alice, Identity: "alice", Event: EventDisconnect})
	// A second disconnect for the same address changes nothing.
	f.disp.Dispatch(context.Background(), Inbound{Address: alice, Identity: "alice", Event: EventDisconnect})

	if got := events(f.pusher.to(bob)); len(got) != 2 || got[0] != EventUserOffline {
		t.Errorf("bob got %v, want [user-offline online-users]", got)
	}
	if f.reg.IsOnline("alice") {
		t.Error("alice still online")
	}
}

func TestTypingRelay(t *testing.T) {
	f := newFixture(t)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	f.pusher.reset()

	f.disp.Dispatch(context.Background(), Inbound{
		Address: alice, Identity: "alice", Event: EventTyping, Data: raw(t, TypingRequest{From: "alice", To: "bob", IsTyping: true}),
	})
	got := f.pusher.to(bob)
	if len(got) != 1 || got[0].Event != EventUserTyping {
		t.Fatalf("bob got %v, want [user-typing]", events(got))
	}
	if p := got[0].Payload.(TypingPayload); p.From != "alice" || !p.IsTyping {
		t.Errorf("payload = %+v", p)
	}
}

func TestMarkAsRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.join(t, "alice")
	f.send(t, alice, "alice", SendIntent{From: "alice", To: "bob", Message: "one"})
	f.send(t, alice, "alice", SendIntent{From: "alice", To: "bob", Message: "two"})
	bob := f.join(t, "bob")
	f.pusher.reset()

	f.disp.Dispatch(ctx, Inbound{
		Address: bob, Identity: "bob", Event: EventMarkAsRead, Data: raw(t, ReadRequest{Reader: "bob", Sender: "alice"}),
	})

	aliceGot := f.pusher.to(alice)
	if len(aliceGot) != 1 || aliceGot[0].Event != EventMessageRead {
		t.Fatalf("alice got %v, want [message-read]", events(aliceGot))
	}
	if ids := aliceGot[0].Payload.(ReadPayload).MessageIDs; len(ids) != 2 {
		t.Errorf("read ids = %v, want 2", ids)
	}

	msgs, _, _ := f.db.FindByCounterpart(ctx, "alice", "bob", store.Page{})
	for _, m := range msgs {
		if m.Status != status.Read {
			t.Errorf("%s status = %q, want read", m.MessageID, m.Status)
		}
	}
	conv, _ := f.db.GetConversation(ctx, "bob", "alice")
	if conv.UnreadCount != 0 {
		t.Errorf("bob unread = %d, want 0", conv.UnreadCount)
	}
}

func TestMessageAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	pushes := f.send(t, alice, "alice", SendIntent{From: "alice", To: "bob", Message: "ack me"})
	id := pushes[0].Payload.(MessagePayload).MessageID
	f.pusher.reset()

	// Alice cannot ack her own message on bob's behalf.
	spoof := f.disp.Dispatch(ctx, Inbound{
		Address: alice, Identity: "alice", Event: EventMessageAck, Data: raw(t, AckRequest{From: "alice", MessageID: id}),
	})
	if code := errorCode(t, spoof); code != "unauthorized" {
		t.Errorf("code = %q, want unauthorized", code)
	}
	f.pusher.reset()

	f.disp.Dispatch(ctx, Inbound{
		Address: bob, Identity: "bob", Event: EventMessageAck, Data: raw(t, AckRequest{From: "bob", MessageID: id}),
	})
	if got := events(f.pusher.to(alice)); len(got) != 1 || got[0] != EventMessageDelivered {
		t.Errorf("alice got %v, want [message-delivered]", got)
	}
	m, _ := f.db.GetMessage(ctx, id)
	if m.Status != status.Delivered {
		t.Errorf("status = %q, want delivered", m.Status)
	}
}

func TestUnknownEvent(t *testing.T) {
	f := newFixture(t)
	pushes := f.disp.Dispatch(context.Background(), Inbound{Address: "conn-1", Identity: "alice", Event: "self-destruct"})
	if code := errorCode(t, pushes); code != "unknown_event" {
		t.Errorf("code = %q, want unknown_event", code)
	}
}

func TestNotifierPushesToOwner(t *testing.T) {
	f := newFixture(t)
	bob := f.join(t, "bob")
	f.pusher.reset()

	n := NewNotifier(f.reg, f.pusher, nil)
	m := &store.Message{MessageID: "wamid.1", From: "15551234", To: "bob", Content: store.Text{Body: "from outside"}}
	if sent := n.NotifyInbound("bob", m); sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if sent := n.NotifyInbound("carol", m); sent != 0 {
		t.Errorf("offline owner sent = %d, want 0", sent)
	}
	got := f.pusher.to(bob)
	if len(got) != 1 || got[0].Payload.(MessagePayload).Content != "from outside" {
		t.Errorf("bob got %v", events(got))
	}
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.join(t, "alice")
	pushes := f.send(t, alice, "alice", SendIntent{From: "alice", To: "bob", Message: "status me"})
	id := pushes[0].Payload.(AckPayload).MessageID
	f.pusher.reset()

	if _, _, err := f.router.SetStatus(ctx, "alice", id, status.Read); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("sender marking read: err = %v, want ErrUnauthorized", err)
	}

	m, out, err := f.router.SetStatus(ctx, "bob", id, status.Read)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Read {
		t.Errorf("status = %q", m.Status)
	}
	if len(out) != 1 || out[0].To != alice || out[0].Event != EventMessageRead {
		t.Errorf("pushes = %v", events(out))
	}

	if _, _, err := f.router.SetStatus(ctx, "bob", id, status.Delivered); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("backward move: err = %v, want ErrInvalidTransition", err)
	}
	if _, out, err := f.router.SetStatus(ctx, "bob", id, status.Read); err != nil || len(out) != 0 {
		t.Errorf("repeat: pushes = %v, err = %v", events(out), err)
	}
}

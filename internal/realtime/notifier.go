package realtime

import (
	"github.com/matheus3301/chatrelay/internal/logging"
	"github.com/matheus3301/chatrelay/internal/registry"
	"github.com/matheus3301/chatrelay/internal/store"
	"go.uber.org/zap"
)

// Notifier pushes externally ingested messages to the connections of the
// identity that owns the receiving channel.
type Notifier struct {
	reg    *registry.Registry
	pusher Pusher
	logger *zap.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(reg *registry.Registry, pusher Pusher, logger *zap.Logger) *Notifier {
	return &Notifier{reg: reg, pusher: pusher, logger: logging.OrNop(logger)}
}

// NotifyInbound pushes newMessage to every connection of owner and returns
// how many pushes were accepted. An offline owner is not an error.
func (n *Notifier) NotifyInbound(owner string, m *store.Message) int {
	payload := newMessagePayload(m)
	sent := 0
	for _, addr := range n.reg.Resolve(owner) {
		if err := n.pusher.Push(addr, EventNewMessage, payload); err != nil {
			n.logger.Debug("inbound notify failed",
				zap.String("message_id", m.MessageID),
				zap.String("address", string(addr)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

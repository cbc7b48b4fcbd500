package bus

import "time"

// Event kinds. Subscribers filter on the namespace prefix ("message.",
// "conversation.", "presence.", "ingest.").
const (
	MessagePersisted    = "message.persisted"
	MessageStatus       = "message.status"
	ConversationUpdated = "conversation.updated"
	PresenceOnline      = "presence.online"
	PresenceOffline     = "presence.offline"
	IngestCompleted     = "ingest.completed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessagePayload accompanies message.persisted and message.status.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	ConvKey   string `json:"conv_key"`
	From      string `json:"from"`
	To        string `json:"to"`
	Status    string `json:"status"`
	Source    string `json:"source"`
}

// ConversationPayload accompanies conversation.updated.
type ConversationPayload struct {
	Owner       string `json:"owner"`
	WaID        string `json:"wa_id"`
	UnreadCount int    `json:"unread_count"`
}

// PresencePayload accompanies presence.online and presence.offline.
type PresencePayload struct {
	Identity string `json:"identity"`
	Devices  int    `json:"devices"`
}

// IngestPayload accompanies ingest.completed.
type IngestPayload struct {
	Source    string `json:"source"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

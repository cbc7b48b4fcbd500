// Package realtime routes direct messages and presence between live connections.
package realtime

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatrelay/internal/registry"
	"github.com/matheus3301/chatrelay/internal/store"
)

// Inbound event names.
const (
	EventJoinUser    = "join-user"
	EventSendMessage = "send-message"
	EventTyping      = "typing"
	EventMarkAsRead  = "mark-as-read"
	EventMessageAck  = "message-ack"
	EventDisconnect  = "disconnect"
)

// Outbound event names.
const (
	EventJoinedRoom       = "joined-room"
	EventOnlineUsers      = "online-users"
	EventUserOnline       = "user-online"
	EventUserOffline      = "user-offline"
	EventNewMessage       = "newMessage"
	EventMessageDelivered = "message-delivered"
	EventMessageSent      = "message-sent"
	EventUserTyping       = "user-typing"
	EventMessageRead      = "message-read"
	EventError            = "error"
)

// Frame is the wire envelope of every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is one event received from a connection. Identity is the
// gate-verified identity of the connection, never a client claim.
type Inbound struct {
	Address  registry.Address
	Identity string
	Event    string
	Data     json.RawMessage
}

// Push is one outbound event addressed to a single connection.
type Push struct {
	To      registry.Address
	Event   string
	Payload any
}

// Pusher delivers an event to a connection without blocking on the peer.
type Pusher interface {
	Push(addr registry.Address, event string, payload any) error
}

// JoinRequest is the payload of join-user.
type JoinRequest struct {
	Username string `json:"username"`
}

// SendIntent is the payload of send-message. ClientID, when set, becomes the
// message_id so a client retry cannot create a second message.
type SendIntent struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Message  string `json:"message"`
	Type     string `json:"type,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// TypingRequest is the payload of typing.
type TypingRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	IsTyping bool   `json:"is_typing"`
}

// ReadRequest is the payload of mark-as-read. Reader has read the messages
// Sender wrote; an empty MessageIDs marks the whole conversation.
type ReadRequest struct {
	Reader     string   `json:"from"`
	Sender     string   `json:"to"`
	MessageIDs []string `json:"message_ids,omitempty"`
}

// AckRequest is the payload of message-ack, sent by a recipient whose
// client rendered the message.
type AckRequest struct {
	From      string `json:"from"`
	MessageID string `json:"message_id"`
}

// MessagePayload is the body of newMessage.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	ConvKey   string `json:"conv_key"`
	From      string `json:"from"`
	To        string `json:"to"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	MediaURL  string `json:"media_url,omitempty"`
	Filename  string `json:"filename,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Direction string `json:"direction,omitempty"`
}

func newMessagePayload(m *store.Message) MessagePayload {
	p := MessagePayload{
		MessageID: m.MessageID,
		ConvKey:   m.ConvKey,
		From:      m.From,
		To:        m.To,
		Type:      string(m.Type()),
		Timestamp: time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339Nano),
		Status:    string(m.Status),
		Direction: string(m.Direction),
	}
	switch c := m.Content.(type) {
	case store.Text:
		p.Content = c.Body
	case store.Media:
		p.Content = c.Caption
		p.MediaURL = c.MediaID
		p.Filename = c.Filename
		p.MimeType = c.MimeType
	}
	return p
}

// AckPayload is the body of message-sent and message-delivered.
type AckPayload struct {
	MessageID string `json:"message_id"`
	ClientID  string `json:"client_id,omitempty"`
	To        string `json:"to"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PresencePayload is the body of user-online and user-offline.
type PresencePayload struct {
	Username string `json:"username"`
}

// OnlineUsersPayload is the body of online-users and joined-room.
type OnlineUsersPayload struct {
	Username string   `json:"username,omitempty"`
	Users    []string `json:"users"`
}

// TypingPayload is the body of user-typing.
type TypingPayload struct {
	From     string `json:"from"`
	IsTyping bool   `json:"is_typing"`
}

// ReadPayload is the body of message-read.
type ReadPayload struct {
	Reader     string   `json:"reader"`
	MessageIDs []string `json:"message_ids"`
}

// ErrorPayload is the body of error.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

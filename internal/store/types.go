package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/matheus3301/chatrelay/internal/status"
)

// Direction is relative to the owner of the conversation the message was written for.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Message is a stored chat message. Status is the only field mutated after creation.
type Message struct {
	ID             int64
	MessageID      string
	MetaMsgID      string
	ConvKey        string
	WaID           string
	From           string
	To             string
	Content        Content
	Timestamp      int64
	Status         status.Status
	Direction      Direction
	ContactName    string
	SenderUsername string
}

// Type returns the content kind, defaulting to text.
func (m *Message) Type() Kind {
	if m.Content == nil {
		return KindText
	}
	return m.Content.Kind()
}

// Preview returns the summary text for the message.
func (m *Message) Preview() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.Preview()
}

type messageJSON struct {
	MessageID      string         `json:"message_id"`
	MetaMsgID      string         `json:"meta_msg_id,omitempty"`
	ConvKey        string         `json:"conv_key"`
	WaID           string         `json:"wa_id"`
	From           string         `json:"from"`
	To             string         `json:"to"`
	Type           Kind           `json:"type"`
	Content        map[string]any `json:"content"`
	Timestamp      string         `json:"timestamp"`
	Status         status.Status  `json:"status"`
	Direction      Direction      `json:"direction"`
	ContactName    string         `json:"contact_name,omitempty"`
	SenderUsername string         `json:"sender_username,omitempty"`
}

// MarshalJSON renders the content union as a flat object keyed by variant fields.
func (m Message) MarshalJSON() ([]byte, error) {
	content := map[string]any{}
	switch c := m.Content.(type) {
	case Text:
		content["text"] = c.Body
	case Media:
		content["media_url"] = c.MediaID
		content["caption"] = c.Caption
		content["filename"] = c.Filename
		if c.MimeType != "" {
			content["mime_type"] = c.MimeType
		}
	}
	return json.Marshal(messageJSON{
		MessageID:      m.MessageID,
		MetaMsgID:      m.MetaMsgID,
		ConvKey:        m.ConvKey,
		WaID:           m.WaID,
		From:           m.From,
		To:             m.To,
		Type:           m.Type(),
		Content:        content,
		Timestamp:      time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339Nano),
		Status:         m.Status,
		Direction:      m.Direction,
		ContactName:    m.ContactName,
		SenderUsername: m.SenderUsername,
	})
}

// StatusUpdate moves the message matched by Key (message_id, falling back to
// meta_msg_id) to Status. A non-empty MetaMsgID is attached when the message
// has none yet.
type StatusUpdate struct {
	Key       string
	Status    status.Status
	MetaMsgID string
}

// ConversationStatus is the lifecycle state of a summary row.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationBlocked  ConversationStatus = "blocked"
)

// ParseConversationStatus validates a raw conversation status.
func ParseConversationStatus(s string) (ConversationStatus, error) {
	switch st := ConversationStatus(s); st {
	case ConversationActive, ConversationArchived, ConversationBlocked:
		return st, nil
	}
	return "", fmt.Errorf("unknown conversation status %q", s)
}

// Conversation is the per-owner summary of one counterpart.
type Conversation struct {
	Owner                string             `json:"owner"`
	WaID                 string             `json:"wa_id"`
	ConvKey              string             `json:"conv_key"`
	ContactName          string             `json:"contact_name"`
	LastMessageContent   string             `json:"last_message_content"`
	LastMessageAt        int64              `json:"last_message_at"`
	LastMessageDirection Direction          `json:"last_message_direction"`
	UnreadCount          int                `json:"unread_count"`
	Status               ConversationStatus `json:"status"`
	PhoneNumberID        string             `json:"phone_number_id,omitempty"`
	DisplayPhoneNumber   string             `json:"display_phone_number,omitempty"`
	UpdatedAt            int64              `json:"updated_at"`
}

// ConversationPatch is merged into a summary row by UpsertConversation.
// Increment is added to the unread counter as a delta.
type ConversationPatch struct {
	Owner              string
	WaID               string
	ConvKey            string
	ContactName        string
	Content            string
	At                 int64
	Direction          Direction
	Increment          int
	PhoneNumberID      string
	DisplayPhoneNumber string
}

// User is a registered identity. The relay reads users, it never edits them.
type User struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone"`
	CreatedAt   int64  `json:"created_at"`
}

// ConvKey returns the canonical conversation key for two participants:
// both ids sorted and joined with ":".
func ConvKey(a, b string) string {
	pair := []string{strings.ToLower(a), strings.ToLower(b)}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// Page selects a 1-based page of results.
type Page struct {
	Number int
	Limit  int
}

func (p Page) normalize(defLimit, maxLimit int) Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Limit <= 0 {
		p.Limit = defLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	return p
}

func (p Page) offset() int {
	return (p.Number - 1) * p.Limit
}

// Pagination describes a returned page.
type Pagination struct {
	CurrentPage int  `json:"current_page"`
	TotalPages  int  `json:"total_pages"`
	TotalCount  int  `json:"total_count"`
	HasNext     bool `json:"has_next"`
	HasPrev     bool `json:"has_prev"`
}

// NewPagination builds the page envelope for total matching rows.
func NewPagination(p Page, total int) Pagination {
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Pagination{
		CurrentPage: p.Number,
		TotalPages:  pages,
		TotalCount:  total,
		HasNext:     p.Number < pages,
		HasPrev:     p.Number > 1,
	}
}

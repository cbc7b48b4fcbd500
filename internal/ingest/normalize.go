package ingest

import (
	"errors"
	"strings"
	"unicode"

	"github.com/matheus3301/chatrelay/internal/conversation"
	"github.com/matheus3301/chatrelay/internal/status"
	"github.com/matheus3301/chatrelay/internal/store"
)

// UnsupportedBody replaces the content of message types the store cannot hold.
const UnsupportedBody = "Unsupported message type"

// Digits keeps only the decimal digits of a phone number.
func Digits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// channel is the receiving side of a change.
type channel struct {
	Number        string
	PhoneNumberID string
	// Owner is the identity whose summaries and connections receive the
	// channel's traffic: the registered user with the channel number, or
	// the number itself.
	Owner string
}

// extractContent decodes the typed body of raw. Unknown types become a text
// placeholder so the message still appears in the conversation.
func extractContent(raw *RawMessage) store.Content {
	typ := strings.ToLower(strings.TrimSpace(raw.Type))
	if typ == "" {
		typ = string(store.KindText)
	}
	kind, ok := store.ParseKind(typ)
	if !ok {
		return store.Text{Body: UnsupportedBody}
	}
	if kind == store.KindText {
		if raw.Text == nil {
			return store.Text{}
		}
		return store.Text{Body: store.SanitizeText(raw.Text.Body)}
	}

	media := raw.media(kind)
	if media == nil {
		return store.Media{Type: kind}
	}
	return store.Media{
		Type:     kind,
		MediaID:  strings.TrimSpace(media.ID),
		Caption:  store.SanitizeText(media.Caption),
		Filename: store.SanitizeText(media.Filename),
		MimeType: strings.TrimSpace(media.MimeType),
	}
}

func (raw *RawMessage) media(kind store.Kind) *RawMedia {
	switch kind {
	case store.KindImage:
		return raw.Image
	case store.KindAudio:
		return raw.Audio
	case store.KindVideo:
		return raw.Video
	case store.KindDocument:
		return raw.Document
	}
	return nil
}

func contactName(contacts []Contact, waID string) string {
	for _, c := range contacts {
		if Digits(c.WaID) == waID {
			return store.SanitizeText(c.Profile.Name)
		}
	}
	return ""
}

// normalize maps a provider message onto the store model, relative to the
// channel that received it. A message from the channel number is outbound;
// everything else is inbound.
func normalize(raw *RawMessage, value *ChangeValue, ch channel, nowMillis int64) (*store.Message, conversation.Patch, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return nil, conversation.Patch{}, errors.New("message without id")
	}
	from := Digits(raw.From)
	if from == "" {
		return nil, conversation.Patch{}, errors.New("message without sender")
	}

	m := &store.Message{
		MessageID: id,
		Content:   extractContent(raw),
		Timestamp: int64(raw.Timestamp),
		Status:    status.Sent,
		Direction: store.Inbound,
	}
	if m.Timestamp == 0 {
		m.Timestamp = nowMillis
	}

	if ch.Number != "" && from == ch.Number {
		m.Direction = store.Outbound
		m.WaID = Digits(raw.To)
		if m.WaID == "" && len(value.Contacts) == 1 {
			m.WaID = Digits(value.Contacts[0].WaID)
		}
		if m.WaID == "" {
			return nil, conversation.Patch{}, errors.New("outbound message without recipient")
		}
		m.From, m.To = ch.Owner, m.WaID
		m.SenderUsername = ch.Owner
	} else {
		m.WaID = from
		m.From, m.To = from, ch.Owner
	}
	m.ConvKey = store.ConvKey(ch.Owner, m.WaID)
	m.ContactName = contactName(value.Contacts, m.WaID)

	patch := conversation.Patch{
		ContactName:        m.ContactName,
		PhoneNumberID:      ch.PhoneNumberID,
		DisplayPhoneNumber: ch.Number,
	}
	return m, patch, nil
}

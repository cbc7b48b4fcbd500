// Package ingest reconciles provider webhooks against the message store.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Payload is a decoded webhook. Three envelopes are accepted: the plain
// "entries" form, the provider's "entry" form and the "metaData" wrapper
// produced by some business-API gateways.
type Payload struct {
	Object   string    `json:"object,omitempty"`
	Entries  []Entry   `json:"entries,omitempty"`
	Entry    []Entry   `json:"entry,omitempty"`
	MetaData *MetaData `json:"metaData,omitempty"`
}

// MetaData is the gateway wrapper around provider entries.
type MetaData struct {
	GsAppID string  `json:"gs_app_id,omitempty"`
	Entry   []Entry `json:"entry"`
}

// AllEntries returns the entries of whichever envelope the payload used.
func (p *Payload) AllEntries() []Entry {
	out := make([]Entry, 0, len(p.Entries)+len(p.Entry))
	out = append(out, p.Entries...)
	out = append(out, p.Entry...)
	if p.MetaData != nil {
		out = append(out, p.MetaData.Entry...)
	}
	return out
}

// Entry groups the changes of one business account.
type Entry struct {
	ID      string   `json:"id,omitempty"`
	Changes []Change `json:"changes"`
}

// Change is one notification. Only Field "messages" is processed.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue carries new messages, status records or both. Items stay
// undecoded until processed so a malformed record fails on its own.
type ChangeValue struct {
	MessagingProduct string            `json:"messaging_product,omitempty"`
	Metadata         *Metadata         `json:"metadata,omitempty"`
	Contacts         []Contact         `json:"contacts,omitempty"`
	Messages         []json.RawMessage `json:"messages,omitempty"`
	Statuses         []json.RawMessage `json:"statuses,omitempty"`
}

// Metadata identifies the receiving channel.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is the provider profile of a counterpart.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// RawMessage is a provider message before normalization.
type RawMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *RawText  `json:"text,omitempty"`
	Image     *RawMedia `json:"image,omitempty"`
	Audio     *RawMedia `json:"audio,omitempty"`
	Video     *RawMedia `json:"video,omitempty"`
	Document  *RawMedia `json:"document,omitempty"`
}

// RawText is the text variant of a provider message.
type RawText struct {
	Body string `json:"body"`
}

// RawMedia is any media variant of a provider message.
type RawMedia struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// RawStatus is a delivery status record for a previously sent message.
type RawStatus struct {
	ID          string    `json:"id,omitempty"`
	MetaMsgID   string    `json:"meta_msg_id,omitempty"`
	Status      string    `json:"status"`
	Timestamp   Timestamp `json:"timestamp,omitempty"`
	RecipientID string    `json:"recipient_id,omitempty"`
}

// Timestamp is a provider time in unix milliseconds. It decodes from a
// number or a numeric string, in seconds or milliseconds. Fractional
// seconds are kept to the millisecond.
type Timestamp int64

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*t = 0
			return nil
		}
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("timestamp %q: %w", raw, err)
		}
		if f < 1e12 {
			f *= 1000
		}
		*t = Timestamp(math.Round(f))
		return nil
	}
	// Anything before 1e12 is seconds; 1e12 ms is September 2001.
	if n < 1e12 {
		n *= 1000
	}
	*t = Timestamp(n)
	return nil
}

// Decode parses a webhook body.
func Decode(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &p, nil
}

// decodeItem parses one message or status record.
func decodeItem[T any](data json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return &v, nil
}

// itemID returns the id of a record that failed to decode, if one can be
// read from it.
func itemID(data json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"id", "meta_msg_id"} {
		var id string
		if err := json.Unmarshal(fields[key], &id); err == nil && id != "" {
			return id
		}
	}
	return ""
}

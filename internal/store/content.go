package store

import "strings"

// MaxTextLength caps text bodies and captions, in runes.
const MaxTextLength = 4096

var markupStripper = strings.NewReplacer("<", "", ">", "")

// SanitizeText trims s, strips angle brackets and caps it at MaxTextLength runes.
func SanitizeText(s string) string {
	s = strings.TrimSpace(markupStripper.Replace(s))
	if r := []rune(s); len(r) > MaxTextLength {
		s = string(r[:MaxTextLength])
	}
	return s
}

// Kind discriminates message content.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

// ParseKind maps a raw type string onto a known Kind.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindText, KindImage, KindAudio, KindVideo, KindDocument:
		return k, true
	}
	return "", false
}

// IsMedia reports whether the kind carries a media reference.
func (k Kind) IsMedia() bool {
	return k == KindImage || k == KindAudio || k == KindVideo || k == KindDocument
}

// Content is the typed body of a message. Exactly one variant is stored per message.
type Content interface {
	Kind() Kind
	// Preview is the short form used for conversation summaries.
	Preview() string
}

// Text is a plain text body.
type Text struct {
	Body string
}

func (Text) Kind() Kind { return KindText }

func (t Text) Preview() string { return t.Body }

// Media references an uploaded attachment by its provider id.
type Media struct {
	Type     Kind
	MediaID  string
	Caption  string
	Filename string
	MimeType string
}

func (m Media) Kind() Kind { return m.Type }

func (m Media) Preview() string {
	if m.Caption != "" {
		return m.Caption
	}
	return "Media message"
}

// contentRow is the flattened column form of Content.
type contentRow struct {
	kind     Kind
	body     string
	mediaID  string
	caption  string
	filename string
	mimeType string
}

func flatten(c Content) contentRow {
	switch v := c.(type) {
	case Text:
		return contentRow{kind: KindText, body: v.Body}
	case Media:
		return contentRow{kind: v.Type, mediaID: v.MediaID, caption: v.Caption, filename: v.Filename, mimeType: v.MimeType}
	default:
		return contentRow{kind: KindText}
	}
}

func (r contentRow) content() Content {
	if r.kind.IsMedia() {
		return Media{Type: r.kind, MediaID: r.mediaID, Caption: r.caption, Filename: r.filename, MimeType: r.mimeType}
	}
	return Text{Body: r.body}
}

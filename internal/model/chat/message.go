package chat

import (
	"strings"
	"time"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxConversationMessages bounds a server-side conversation log. Older turns
// are dropped from the front once the log grows past it.
const MaxConversationMessages = 20

// Message is a single immutable turn in a conversation.
type Message struct {
	ID          string       `json:"id,omitempty"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"files,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	// Fallback marks an assistant turn rendered locally after a failed
	// request; it never came from the model.
	Fallback bool `json:"fallback,omitempty"`
}

// Attachment references an uploaded file that was persisted server-side.
type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Type     string `json:"type"`
}

// MediaKind is the coarse media family of an attachment.
type MediaKind string

const (
	KindImage   MediaKind = "image"
	KindAudio   MediaKind = "audio"
	KindVideo   MediaKind = "video"
	KindUnknown MediaKind = ""
)

// KindOf maps a MIME type onto one of the accepted media kinds.
func KindOf(mimeType string) MediaKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return KindImage
	case strings.HasPrefix(mt, "audio/"):
		return KindAudio
	case strings.HasPrefix(mt, "video/"):
		return KindVideo
	default:
		return KindUnknown
	}
}

// Kind returns the media kind of the attachment.
func (a Attachment) Kind() MediaKind {
	return KindOf(a.Type)
}

// Annotation renders the attachment the way it is inlined into message text.
func (a Attachment) Annotation() string {
	return "[Uploaded file: " + a.Filename + " - " + a.URL + "]"
}

// CloneMessages returns a copy of msgs that shares no slices with the input.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if m.Attachments != nil {
			out[i].Attachments = append([]Attachment(nil), m.Attachments...)
		}
	}
	return out
}

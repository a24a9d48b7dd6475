// Package chat defines the platform-independent message model used by the
// rest of Kioku and the adapter contract a chat platform must satisfy.
package chat

import "strings"

// ContentType classifies what a message carries besides (or instead of) text.
type ContentType string

const (
	ContentTypeText      ContentType = "text"
	ContentTypePhoto     ContentType = "photo"
	ContentTypeDocument  ContentType = "document"
	ContentTypeVideo     ContentType = "video"
	ContentTypeAudio     ContentType = "audio"
	ContentTypeVoice     ContentType = "voice"
	ContentTypeAnimation ContentType = "animation"
	ContentTypeSticker   ContentType = "sticker"
	ContentTypeOther     ContentType = "other"
)

// Message is a single incoming chat message, normalized away from any
// platform-specific event shape. Numeric IDs are stable per platform ID
// (see NumericID) so downstream components never touch platform strings.
type Message struct {
	MessageID int64       `json:"message_id"`
	ChatID    int64       `json:"chat_id"`
	UserID    int64       `json:"user_id"`
	Text      string      `json:"text"`
	Caption   string      `json:"caption,omitempty"`
	Type      ContentType `json:"content_type"`
	// Timestamp is unix seconds at the origin server.
	Timestamp int64 `json:"timestamp"`

	// Forwarding metadata, present only when the platform marked the
	// message as forwarded from elsewhere.
	ForwardDate          int64  `json:"forward_date,omitempty"`
	ForwardSenderName    string `json:"forward_sender_name,omitempty"`
	ForwardFromChatID    *int64 `json:"forward_from_chat_id,omitempty"`
	ForwardFromMessageID *int64 `json:"forward_from_message_id,omitempty"`

	// MediaID is the platform handle for attached media, when any.
	MediaID string `json:"media_id,omitempty"`
}

// IsForwarded reports whether the message arrived as a forward. Any one of
// the forwarding fields is sufficient: platforms disagree on which ones they
// populate, and privacy settings can strip all but the sender name.
func (m Message) IsForwarded() bool {
	if m.ForwardDate > 0 {
		return true
	}
	if m.ForwardFromChatID != nil {
		return true
	}
	return strings.TrimSpace(m.ForwardSenderName) != ""
}

// Content returns the text to aggregate: the body for text messages, the
// caption for media that carries one.
func (m Message) Content() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

package chat

import "context"

// Handler receives normalized messages from a platform adapter. Forwarded
// messages are delivered through their own callback so the router can apply
// forward-specific treatment before the two paths converge.
type Handler interface {
	OnMessage(ctx context.Context, msg Message)
	OnForwardedMessage(ctx context.Context, msg Message)
}

// Sender is the outbound port back into the chat platform. Implementations
// resolve numeric chat and message IDs back to their platform equivalents.
type Sender interface {
	// SendMessage posts text to a chat and returns the numeric ID of the
	// new message, so callers can edit it later.
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	// EditMessage replaces the text of a previously sent message.
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
	// ReplyTo posts text as a threaded reply to an earlier message.
	ReplyTo(ctx context.Context, chatID, origMessageID int64, text string) (int64, error)
}

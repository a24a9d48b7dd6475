// Package matrix adapts a Matrix homeserver to the chat model Kioku speaks.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/internal/kioku/chat"
)

// refTTL bounds how long numeric→platform message references are kept for
// edits and replies. Anything older has long since scrolled out of the
// aggregation window.
const refTTL = 24 * time.Hour

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms the bot joins on startup. Incoming messages are not filtered
	// by room; the router's user allow-list decides who is heard.
	Rooms []string
	// DB optionally persists the sync token across restarts. When nil the
	// full room history replays on every start.
	DB *sql.DB
}

// Client wraps mautrix and translates between platform events and
// chat.Message. It implements chat.Sender.
type Client struct {
	client  *mautrix.Client
	config  *Config
	stopCh  chan struct{}
	handler chat.Handler

	mu    sync.RWMutex
	rooms map[int64]id.RoomID
	msgs  map[int64]msgRef
}

type msgRef struct {
	room  id.RoomID
	event id.EventID
	at    time.Time
}

var _ chat.Sender = (*Client)(nil)

// New creates a Matrix client. The connection is not opened until Start.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
		rooms:  make(map[int64]id.RoomID),
		msgs:   make(map[int64]msgRef),
	}

	if config.DB != nil {
		store, err := NewSyncStore(config.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to init sync store: %w", err)
		}
		client.Store = store
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, history will replay on restart")
	}

	return c, nil
}

// Start joins configured rooms and begins syncing in the background,
// reconnecting with exponential backoff on transient homeserver errors.
func (c *Client) Start(ctx context.Context, handler chat.Handler) error {
	c.handler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleEvent)
	syncer.OnEventType(event.EventSticker, c.handleEvent)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	go func() {
		backoff := retry.Backoff{Initial: 2 * time.Second, Cap: 5 * time.Minute}
		for {
			started := time.Now()
			err := c.client.Sync()
			if err == nil {
				// Clean StopSync.
				return
			}
			select {
			case <-c.stopCh:
				return
			default:
			}
			if time.Since(started) > time.Minute {
				backoff.Reset()
			}
			wait := backoff.Next()
			slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", wait)
			select {
			case <-c.stopCh:
				return
			case <-time.After(wait):
			}
		}
	}()

	return nil
}

// Stop stops the Matrix client.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendMessage posts text to the chat and returns the numeric message ID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	roomID, err := c.roomFor(chatID)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.SendText(ctx, roomID, text)
	if err != nil {
		return 0, fmt.Errorf("failed to send message: %w", err)
	}
	return c.trackEvent(roomID, resp.EventID), nil
}

// EditMessage replaces the body of a previously sent message.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	ref, err := c.msgFor(messageID)
	if err != nil {
		return err
	}
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	content.SetEdit(ref.event)
	if _, err := c.client.SendMessageEvent(ctx, ref.room, event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

// ReplyTo posts text as a reply to an earlier message and returns the
// numeric ID of the reply.
func (c *Client) ReplyTo(ctx context.Context, chatID, origMessageID int64, text string) (int64, error) {
	ref, err := c.msgFor(origMessageID)
	if err != nil {
		return 0, err
	}
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: ref.event},
		},
	}
	resp, err := c.client.SendMessageEvent(ctx, ref.room, event.EventMessage, &content)
	if err != nil {
		return 0, fmt.Errorf("failed to send reply: %w", err)
	}
	return c.trackEvent(ref.room, resp.EventID), nil
}

// handleEvent converts an incoming Matrix event and hands it to the router.
func (c *Client) handleEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}

	msg := c.toMessage(evt, content)
	if c.handler == nil {
		return
	}
	if msg.IsForwarded() {
		c.handler.OnForwardedMessage(ctx, msg)
	} else {
		c.handler.OnMessage(ctx, msg)
	}
}

// forwardPrefix is how bridged clients (notably mautrix-telegram) render
// forwarded content in the plain-text body.
const forwardPrefix = "Forwarded from "

// toMessage normalizes a Matrix event into the platform-independent model,
// registering the room and event references for later edits and replies.
func (c *Client) toMessage(evt *event.Event, content *event.MessageEventContent) chat.Message {
	roomNum := c.trackRoom(evt.RoomID)
	msgNum := c.trackEvent(evt.RoomID, evt.ID)

	msg := chat.Message{
		MessageID: msgNum,
		ChatID:    roomNum,
		UserID:    chat.NumericID(evt.Sender.String()),
		Timestamp: evt.Timestamp / 1000,
		Type:      contentTypeOf(evt, content),
	}

	body := content.Body
	if msg.Type == chat.ContentTypeText {
		if rest, ok := strings.CutPrefix(body, forwardPrefix); ok {
			name, text, _ := strings.Cut(rest, "\n")
			msg.ForwardSenderName = strings.TrimSuffix(strings.TrimSpace(name), ":")
			msg.ForwardDate = evt.Timestamp / 1000
			body = strings.TrimLeft(text, "\n")
		}
		msg.Text = body
	} else {
		msg.Caption = body
		msg.MediaID = string(content.URL)
	}
	return msg
}

// contentTypeOf maps Matrix message types onto the content enum. Bridged
// Telegram media arrives with the original mimetype intact, which is enough
// to tell GIFs and voice notes apart from plain images and audio.
func contentTypeOf(evt *event.Event, content *event.MessageEventContent) chat.ContentType {
	if evt.Type == event.EventSticker {
		return chat.ContentTypeSticker
	}
	mime := ""
	if content.Info != nil {
		mime = content.Info.MimeType
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		return chat.ContentTypeText
	case event.MsgImage:
		if mime == "image/gif" {
			return chat.ContentTypeAnimation
		}
		return chat.ContentTypePhoto
	case event.MsgVideo:
		return chat.ContentTypeVideo
	case event.MsgAudio:
		if strings.HasPrefix(mime, "audio/ogg") {
			return chat.ContentTypeVoice
		}
		return chat.ContentTypeAudio
	case event.MsgFile:
		return chat.ContentTypeDocument
	default:
		return chat.ContentTypeOther
	}
}

func (c *Client) trackRoom(roomID id.RoomID) int64 {
	num := chat.NumericID(roomID.String())
	c.mu.Lock()
	c.rooms[num] = roomID
	c.mu.Unlock()
	return num
}

func (c *Client) trackEvent(roomID id.RoomID, eventID id.EventID) int64 {
	num := chat.NumericID(eventID.String())
	now := time.Now()
	c.mu.Lock()
	for k, ref := range c.msgs {
		if now.Sub(ref.at) > refTTL {
			delete(c.msgs, k)
		}
	}
	c.msgs[num] = msgRef{room: roomID, event: eventID, at: now}
	c.mu.Unlock()
	return num
}

func (c *Client) roomFor(chatID int64) (id.RoomID, error) {
	c.mu.RLock()
	roomID, ok := c.rooms[chatID]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown chat %d: no room seen for it this session", chatID)
	}
	return roomID, nil
}

func (c *Client) msgFor(messageID int64) (msgRef, error) {
	c.mu.RLock()
	ref, ok := c.msgs[messageID]
	c.mu.RUnlock()
	if !ok {
		return msgRef{}, fmt.Errorf("unknown message %d: reference expired or never seen", messageID)
	}
	return ref, nil
}

// joinRoom attempts to join a room, tolerating rooms the bot is already in.
func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	c.trackRoom(roomID)
	return nil
}

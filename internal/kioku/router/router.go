// Package router is the entry point for incoming chat messages: allow-list
// enforcement, slash commands, KB setup prompts, and feeding the per-user
// aggregator. Sealed groups come back through DispatchGroup, which fans out
// to the mode-specific service.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/aggregator"
	"github.com/bdobrica/Kioku/internal/kioku/chat"
	"github.com/bdobrica/Kioku/internal/kioku/creds"
	"github.com/bdobrica/Kioku/internal/kioku/kb"
	"github.com/bdobrica/Kioku/internal/kioku/services"
	"github.com/bdobrica/Kioku/internal/kioku/settings"
	"github.com/bdobrica/Kioku/internal/kioku/usercache"
)

// processTimeout bounds one group's processing end to end, agent rounds
// included.
const processTimeout = 10 * time.Minute

// NoteCreator handles note-mode groups.
type NoteCreator interface {
	Create(ctx context.Context, req services.Request)
}

// AskAnswerer handles ask-mode groups.
type AskAnswerer interface {
	Answer(ctx context.Context, req services.Request)
}

// TaskRunner handles agent-mode groups.
type TaskRunner interface {
	Run(ctx context.Context, req services.Request)
}

// Config wires the router's collaborators.
type Config struct {
	// AllowedUsers is the strict allow-list. Messages from anyone else are
	// ignored without a reply.
	AllowedUsers []int64

	Sender   chat.Sender
	KB       *kb.Manager
	Cache    *usercache.Cache
	Settings *settings.Store
	Creds    *creds.Store

	Note NoteCreator
	Ask  AskAnswerer
	Task TaskRunner
}

// Router implements chat.Handler.
type Router struct {
	cfg     Config
	allowed map[int64]bool
	wg      sync.WaitGroup
}

var _ chat.Handler = (*Router)(nil)

// New builds the router.
func New(cfg Config) *Router {
	allowed := make(map[int64]bool, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = true
	}
	return &Router{cfg: cfg, allowed: allowed}
}

// OnMessage handles one incoming message: allow-list, commands, KB check,
// then the aggregator.
func (r *Router) OnMessage(ctx context.Context, msg chat.Message) {
	if !r.allowed[msg.UserID] {
		slog.Debug("message from unlisted user; ignoring", "user_id", msg.UserID)
		return
	}

	if strings.HasPrefix(strings.TrimSpace(msg.Content()), "/") {
		r.handleCommand(ctx, msg)
		return
	}

	if _, ok := r.cfg.KB.Config(msg.UserID); !ok {
		r.reply(ctx, msg, setupPrompt)
		return
	}

	entry, err := r.cfg.Cache.Get(ctx, msg.UserID)
	if err != nil {
		slog.Error("could not build user context", "user_id", msg.UserID, "err", err)
		r.reply(ctx, msg, "❌ Something went wrong preparing your workspace. Please try again.")
		return
	}
	entry.Aggregator.Add(msg)
}

// OnForwardedMessage routes forwarded messages through the same pipeline;
// the forwarding metadata already travels on the message.
func (r *Router) OnForwardedMessage(ctx context.Context, msg chat.Message) {
	r.OnMessage(ctx, msg)
}

// DispatchGroup receives a sealed group from a user's aggregator and hands
// it to the service for the user's mode on a fresh goroutine. It returns
// immediately: the caller is the aggregator's seal loop, which must never
// wait on the network, so even the processing message is posted from the
// spawned goroutine.
func (r *Router) DispatchGroup(group *aggregator.Group) {
	if len(group.Messages) == 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()

		text := "⏳ Processing 1 message…"
		if n := len(group.Messages); n > 1 {
			text = fmt.Sprintf("⏳ Processing %d messages…", n)
		}
		processingID, err := r.cfg.Sender.SendMessage(ctx, group.ChatID, text)
		if err != nil {
			slog.Warn("could not post processing message", "chat_id", group.ChatID, "err", err)
		}

		req := services.Request{
			Group:           group,
			ChatID:          group.ChatID,
			UserID:          group.UserID,
			ProcessingMsgID: processingID,
		}
		switch r.cfg.Settings.Mode(group.UserID) {
		case settings.ModeAsk:
			r.cfg.Ask.Answer(ctx, req)
		case settings.ModeAgent:
			r.cfg.Task.Run(ctx, req)
		default:
			r.cfg.Note.Create(ctx, req)
		}
	}()
}

// Wait blocks until all in-flight group dispatches finish. Used at
// shutdown, after the aggregators have been stopped.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) reply(ctx context.Context, msg chat.Message, text string) {
	if _, err := r.cfg.Sender.ReplyTo(ctx, msg.ChatID, msg.MessageID, text); err != nil {
		slog.Warn("could not reply", "chat_id", msg.ChatID, "err", err)
	}
}

// Package aggregator groups bursts of chat messages into posts. A group
// stays open while messages keep arriving and is dispatched once the chat
// has been idle for the configured timeout.
package aggregator

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kioku/internal/kioku/chat"
)

// Group is an append-only run of messages from one chat. It is owned by the
// aggregator until dispatch, then handed to the callback and never reused.
// UserID is the sender of the first message; groups never mix senders
// because private chats map one to one onto users.
type Group struct {
	ID       string
	ChatID   int64
	UserID   int64
	Messages []chat.Message
	FirstTS  time.Time
	LastTS   time.Time
}

// Hash returns a stable content fingerprint over the grouped messages.
// FNV-64a, hex encoded, matching the cheap hashing used for platform IDs.
func (g *Group) Hash() string {
	h := fnv.New64a()
	for _, m := range g.Messages {
		fmt.Fprintf(h, "%d:%s\n", m.MessageID, m.Content())
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// DispatchFunc receives a sealed group. It runs on the aggregator's
// background goroutine with no locks held, so it may call back into Add.
type DispatchFunc func(group *Group)

// Config holds aggregator tuning.
type Config struct {
	// GroupTimeout is the idle period after which a group is dispatched.
	// Default: 30 seconds.
	GroupTimeout time.Duration

	// Tick is the wake interval of the background loop. Dispatch latency is
	// at most GroupTimeout + Tick. Default and ceiling: 1 second.
	Tick time.Duration

	// MaxGroupMessages seals a group immediately once it holds this many
	// messages, without waiting for the idle timeout. Default: 50.
	MaxGroupMessages int
}

// Aggregator keeps at most one open group per chat and a single background
// loop that seals idle groups.
type Aggregator struct {
	cfg      Config
	dispatch DispatchFunc

	mu     sync.Mutex
	groups map[int64]*Group

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an aggregator and starts its background loop.
func New(cfg Config, dispatch DispatchFunc) *Aggregator {
	if cfg.GroupTimeout <= 0 {
		cfg.GroupTimeout = 30 * time.Second
	}
	if cfg.Tick <= 0 || cfg.Tick > time.Second {
		cfg.Tick = time.Second
	}
	if cfg.MaxGroupMessages <= 0 {
		cfg.MaxGroupMessages = 50
	}

	a := &Aggregator{
		cfg:      cfg,
		dispatch: dispatch,
		groups:   make(map[int64]*Group),
		stopCh:   make(chan struct{}),
	}

	a.wg.Add(1)
	go a.run()
	return a
}

// Add appends a message to the chat's open group, starting one if needed.
// A group that reaches MaxGroupMessages is sealed and dispatched at once.
func (a *Aggregator) Add(msg chat.Message) {
	if full := a.addAt(msg, time.Now()); full != nil {
		a.dispatch(full)
	}
}

// addAt is the time-injectable core of Add (for testing). It returns the
// group when this message filled it, already removed from the map; the
// caller dispatches outside the lock.
func (a *Aggregator) addAt(msg chat.Message, now time.Time) *Group {
	a.mu.Lock()
	defer a.mu.Unlock()

	g, ok := a.groups[msg.ChatID]
	if !ok {
		g = &Group{
			ID:      uuid.New().String(),
			ChatID:  msg.ChatID,
			UserID:  msg.UserID,
			FirstTS: now,
		}
		a.groups[msg.ChatID] = g
	}
	g.Messages = append(g.Messages, msg)
	g.LastTS = now

	if a.cfg.MaxGroupMessages > 0 && len(g.Messages) >= a.cfg.MaxGroupMessages {
		delete(a.groups, msg.ChatID)
		return g
	}
	return nil
}

// Stop cancels the background loop, waits for an in-flight dispatch, then
// seals and dispatches every group still open so shutdown never discards a
// pending burst.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()

	a.mu.Lock()
	remaining := make([]*Group, 0, len(a.groups))
	for chatID, g := range a.groups {
		remaining = append(remaining, g)
		delete(a.groups, chatID)
	}
	a.mu.Unlock()

	for _, g := range remaining {
		a.dispatch(g)
	}
	if len(remaining) > 0 {
		slog.Debug("flushed open groups at stop", "groups", len(remaining))
	}
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			for _, g := range a.sealExpired(time.Now()) {
				a.dispatch(g)
			}
		}
	}
}

// sealExpired removes and returns every group idle past the timeout. Once a
// group leaves the map a new message for the same chat opens a fresh group,
// so each group reaches the dispatch callback exactly once.
func (a *Aggregator) sealExpired(now time.Time) []*Group {
	a.mu.Lock()
	defer a.mu.Unlock()

	var sealed []*Group
	for chatID, g := range a.groups {
		if now.Sub(g.LastTS) >= a.cfg.GroupTimeout {
			sealed = append(sealed, g)
			delete(a.groups, chatID)
		}
	}
	return sealed
}

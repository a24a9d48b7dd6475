// Package bus is the in-process pub/sub registry for KB change events.
// Git operations and the file watcher publish here; the reindex engine
// subscribes. Events are not persisted and not replayed.
package bus

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventType identifies what happened to the knowledge base.
type EventType string

const (
	FileCreated   EventType = "file_created"
	FileModified  EventType = "file_modified"
	FileDeleted   EventType = "file_deleted"
	FolderCreated EventType = "folder_created"
	FolderDeleted EventType = "folder_deleted"
	BatchChanges  EventType = "batch_changes"
	GitCommit     EventType = "git_commit"
	GitPush       EventType = "git_push"
	GitPull       EventType = "git_pull"
)

// Event describes a single KB change.
type Event struct {
	Type   EventType `json:"type"`
	Path   string    `json:"path,omitempty"`
	Paths  []string  `json:"paths,omitempty"`
	UserID int64     `json:"user_id,omitempty"`
	Source string    `json:"source"`
	TS     time.Time `json:"ts"`
}

// Handler receives published events. Handlers must not assume they run on
// the publisher's goroutine unless registered via Subscribe.
type Handler func(Event)

type subscriber struct {
	handler Handler
	async   bool
}

// Bus fans events out to subscribers. Synchronous subscribers run on the
// publisher's goroutine in registration order before Publish returns; async
// subscribers are scheduled on their own goroutines. A panicking handler is
// logged and never prevents delivery to the others.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType]map[int64]subscriber
	nextID int64
	wg     sync.WaitGroup
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[EventType]map[int64]subscriber)}
}

// Subscribe registers a synchronous handler for one event type and returns
// an unsubscribe handle.
func (b *Bus) Subscribe(t EventType, h Handler) func() {
	return b.add(t, subscriber{handler: h})
}

// SubscribeAsync registers a handler that runs detached from the publisher.
func (b *Bus) SubscribeAsync(t EventType, h Handler) func() {
	return b.add(t, subscriber{handler: h, async: true})
}

func (b *Bus) add(t EventType, sub subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[t] == nil {
		b.subs[t] = make(map[int64]subscriber)
	}
	b.subs[t][id] = sub

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[t], id)
	}
}

// Publish delivers the event. If the event carries no timestamp one is
// attached. Sync handlers complete before Publish returns.
func (b *Bus) Publish(evt Event) {
	if evt.TS.IsZero() {
		evt.TS = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := b.subs[evt.Type]
	// Snapshot under the lock so an unsubscribe during delivery cannot
	// mutate the map mid-range. Sync handlers fire in registration order.
	ids := make([]int64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]subscriber, 0, len(subs))
	for _, id := range ids {
		snapshot = append(snapshot, subs[id])
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if sub.async {
			b.wg.Add(1)
			go func(s subscriber) {
				defer b.wg.Done()
				deliver(s.handler, evt)
			}(sub)
		} else {
			deliver(sub.handler, evt)
		}
	}
}

// Close stops accepting events and waits for in-flight async handlers.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

func deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", evt.Type, "panic", r)
		}
	}()
	h(evt)
}

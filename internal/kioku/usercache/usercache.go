// Package usercache holds the per-user singletons the bot builds lazily on
// first contact: the message aggregator and the agent. Construction is
// serialized per user while distinct users proceed in parallel.
package usercache

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bdobrica/Kioku/internal/kioku/agent"
	"github.com/bdobrica/Kioku/internal/kioku/aggregator"
)

// Entry bundles one user's live components.
type Entry struct {
	Aggregator *aggregator.Aggregator
	Agent      agent.Agent
}

// BuildFunc constructs the entry for a user on first use.
type BuildFunc func(ctx context.Context, userID int64) (*Entry, error)

// Cache maps users to their entries. Entries live until Invalidate; there
// is no TTL.
type Cache struct {
	build BuildFunc

	mu      sync.Mutex
	entries map[int64]*Entry
	locks   map[int64]*sync.Mutex
}

// New returns an empty cache that builds entries with build.
func New(build BuildFunc) *Cache {
	return &Cache{
		build:   build,
		entries: make(map[int64]*Entry),
		locks:   make(map[int64]*sync.Mutex),
	}
}

// Get returns the user's entry, building it on first call. Concurrent calls
// for the same user share one build; a failed build is not cached.
func (c *Cache) Get(ctx context.Context, userID int64) (*Entry, error) {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	e, ok := c.entries[userID]
	c.mu.Unlock()
	if ok {
		return e, nil
	}

	e, err := c.build(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[userID] = e
	c.mu.Unlock()
	return e, nil
}

// Peek returns the user's entry without building one.
func (c *Cache) Peek(userID int64) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	return e, ok
}

// Invalidate stops and drops the user's entry. Called on settings changes
// that affect the user's configuration; the next Get rebuilds.
func (c *Cache) Invalidate(userID int64) {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	e, ok := c.entries[userID]
	delete(c.entries, userID)
	c.mu.Unlock()

	if ok {
		release(userID, e)
	}
}

// InvalidateAll drops every entry. Used at shutdown.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Invalidate(id)
	}
}

// userLock returns the per-user initialization lock, creating it on demand.
func (c *Cache) userLock(userID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[userID] = l
	}
	return l
}

// release stops the entry's components. In-flight aggregator dispatches
// finish before Stop returns.
func release(userID int64, e *Entry) {
	if e.Aggregator != nil {
		e.Aggregator.Stop()
	}
	if e.Agent != nil {
		if err := e.Agent.Close(); err != nil {
			slog.Warn("could not close agent", "user_id", userID, "err", err)
		}
	}
}

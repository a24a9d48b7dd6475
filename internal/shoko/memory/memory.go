// Package memory is the hub's pluggable per-user memory storage. Three
// backends share one interface: a JSON file store (default), a
// vector-indexed store layered over it, and an LLM agent that curates
// Markdown files. Every call is scoped to a user; nothing is shared across
// users.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Storage types accepted by the factory.
const (
	TypeJSON     = "json"
	TypeVector   = "vector"
	TypeMemAgent = "mem-agent"
)

// Sentinel errors.
var (
	ErrUserRequired = errors.New("user_id is required")
	ErrNotFound     = errors.New("memory record not found")
	ErrUnknownType  = errors.New("unknown memory storage type")
)

// Record is one stored memory.
type Record struct {
	ID        string         `json:"id"`
	UserID    int64          `json:"user_id"`
	Content   string         `json:"content"`
	Category  string         `json:"category"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Query filters a Retrieve call. A zero query returns the most recent
// records.
type Query struct {
	Text     string
	Category string
	Tags     []string
	Limit    int
}

// CategoryCount is one row of ListCategories.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// Storage is the backend contract. userID is mandatory on every call.
type Storage interface {
	Store(ctx context.Context, userID int64, content, category string, tags []string, metadata map[string]any) (Record, error)
	Retrieve(ctx context.Context, userID int64, q Query) ([]Record, error)
	ListCategories(ctx context.Context, userID int64) ([]CategoryCount, error)
	Delete(ctx context.Context, userID int64, id string) error
	Clear(ctx context.Context, userID int64, category string) error
	Close() error
}

// requireUser guards the per-user isolation invariant at the interface
// boundary.
func requireUser(userID int64) error {
	if userID == 0 {
		return ErrUserRequired
	}
	return nil
}

// userDir names the per-user memory directory under the data root.
func userDir(dataDir string, userID int64) string {
	return fmt.Sprintf("%s/memory/user_%d", dataDir, userID)
}

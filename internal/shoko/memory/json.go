package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultCategory = "general"

// JSONStore keeps each user's memories in
// <dataDir>/memory/user_<id>/memories.json. Writes go through a temp file
// and rename so a crash never leaves a torn file.
type JSONStore struct {
	dataDir string

	mu  sync.Mutex
	now func() time.Time
}

// NewJSON builds the file-backed store.
func NewJSON(dataDir string) *JSONStore {
	return &JSONStore{dataDir: dataDir, now: time.Now}
}

func (s *JSONStore) Store(ctx context.Context, userID int64, content, category string, tags []string, metadata map[string]any) (Record, error) {
	if err := requireUser(userID); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Record{}, errors.New("content is required")
	}
	if category == "" {
		category = defaultCategory
	}

	rec := Record{
		ID:        uuid.New().String(),
		UserID:    userID,
		Content:   content,
		Category:  category,
		Tags:      tags,
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(userID)
	if err != nil {
		return Record{}, err
	}
	records = append(records, rec)
	if err := s.save(userID, records); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *JSONStore) Retrieve(_ context.Context, userID int64, q Query) ([]Record, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	records, err := s.load(userID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, rec := range records {
		if matches(rec, q) {
			out = append(out, rec)
		}
	}

	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JSONStore) ListCategories(_ context.Context, userID int64) ([]CategoryCount, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	records, err := s.load(userID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.Category]++
	}

	out := make([]CategoryCount, 0, len(counts))
	for category, count := range counts {
		out = append(out, CategoryCount{Category: category, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (s *JSONStore) Delete(_ context.Context, userID int64, id string) error {
	if err := requireUser(userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(userID)
	if err != nil {
		return err
	}
	kept := records[:0]
	found := false
	for _, rec := range records {
		if rec.ID == id {
			found = true
			continue
		}
		kept = append(kept, rec)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.save(userID, kept)
}

func (s *JSONStore) Clear(_ context.Context, userID int64, category string) error {
	if err := requireUser(userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if category == "" {
		return s.save(userID, nil)
	}

	records, err := s.load(userID)
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.Category != category {
			kept = append(kept, rec)
		}
	}
	return s.save(userID, kept)
}

func (s *JSONStore) Close() error { return nil }

// matches applies the query filters: substring over content/tags/category,
// exact category, all listed tags present.
func matches(rec Record, q Query) bool {
	if q.Category != "" && rec.Category != q.Category {
		return false
	}
	for _, want := range q.Tags {
		if !hasTag(rec.Tags, want) {
			return false
		}
	}
	if q.Text == "" {
		return true
	}

	needle := strings.ToLower(q.Text)
	if strings.Contains(strings.ToLower(rec.Content), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(rec.Category), needle) {
		return true
	}
	for _, tag := range rec.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func (s *JSONStore) filePath(userID int64) string {
	return filepath.Join(userDir(s.dataDir, userID), "memories.json")
}

// load reads the user's file; a missing file is an empty store.
func (s *JSONStore) load(userID int64) ([]Record, error) {
	raw, err := os.ReadFile(s.filePath(userID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read memories: %w", err)
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse memories for user %d: %w", userID, err)
	}
	return records, nil
}

// save writes the user's file atomically.
func (s *JSONStore) save(userID int64, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal memories: %w", err)
	}

	path := s.filePath(userID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write memories: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace memories: %w", err)
	}
	return nil
}

var _ Storage = (*JSONStore)(nil)

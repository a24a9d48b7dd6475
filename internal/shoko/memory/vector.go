package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdobrica/Kioku/internal/shoko/embed"
	"github.com/bdobrica/Kioku/internal/shoko/vecstore"
)

// VectorStore layers semantic retrieval over the JSON store. The JSON file
// stays the source of truth for record data; the vector store holds one
// embedding per record for similarity ranking. When the embedder is down a
// retrieve degrades to the JSON substring search instead of failing.
type VectorStore struct {
	records  *JSONStore
	embedder embed.Embedder
	vectors  vecstore.Store
}

// NewVector builds the vector-backed store.
func NewVector(records *JSONStore, embedder embed.Embedder, vectors vecstore.Store) *VectorStore {
	return &VectorStore{records: records, embedder: embedder, vectors: vectors}
}

// memCollection scopes one user's memory vectors.
func memCollection(userID int64) string {
	return fmt.Sprintf("mem_user_%d", userID)
}

func (s *VectorStore) Store(ctx context.Context, userID int64, content, category string, tags []string, metadata map[string]any) (Record, error) {
	rec, err := s.records.Store(ctx, userID, content, category, tags, metadata)
	if err != nil {
		return Record{}, err
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil || vec == nil {
		// The record is saved; only similarity ranking is degraded.
		if err != nil {
			slog.Warn("memory embedding failed; record stored without vector",
				"user_id", userID, "err", err)
		}
		return rec, nil
	}

	err = s.vectors.Upsert(ctx, memCollection(userID), []vecstore.Point{{
		ID:     rec.ID,
		Vector: vec,
	}})
	if err != nil {
		slog.Warn("memory vector upsert failed", "user_id", userID, "err", err)
	}
	return rec, nil
}

func (s *VectorStore) Retrieve(ctx context.Context, userID int64, q Query) ([]Record, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if q.Text == "" {
		return s.records.Retrieve(ctx, userID, q)
	}

	vec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil || vec == nil {
		if err != nil {
			slog.Warn("query embedding failed; falling back to substring search",
				"user_id", userID, "err", err)
		}
		return s.records.Retrieve(ctx, userID, q)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	// Over-fetch so post-filters (category, tags) still fill the limit.
	hits, err := s.vectors.Search(ctx, memCollection(userID), vec, limit*3)
	if err != nil {
		slog.Warn("memory vector search failed; falling back to substring search",
			"user_id", userID, "err", err)
		return s.records.Retrieve(ctx, userID, q)
	}

	byID, err := s.recordsByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	filter := q
	filter.Text = "" // similarity replaced the text match
	var out []Record
	for _, hit := range hits {
		rec, ok := byID[hit.ID]
		if !ok || !matches(rec, filter) {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *VectorStore) ListCategories(ctx context.Context, userID int64) ([]CategoryCount, error) {
	return s.records.ListCategories(ctx, userID)
}

func (s *VectorStore) Delete(ctx context.Context, userID int64, id string) error {
	if err := s.records.Delete(ctx, userID, id); err != nil {
		return err
	}
	if err := s.vectors.Delete(ctx, memCollection(userID), []string{id}); err != nil {
		slog.Warn("memory vector delete failed", "user_id", userID, "err", err)
	}
	return nil
}

func (s *VectorStore) Clear(ctx context.Context, userID int64, category string) error {
	if category == "" {
		if err := s.records.Clear(ctx, userID, ""); err != nil {
			return err
		}
		if err := s.vectors.Delete(ctx, memCollection(userID), nil); err != nil {
			slog.Warn("memory vector clear failed", "user_id", userID, "err", err)
		}
		return nil
	}

	// Per-category clear: collect the doomed IDs before the records go.
	doomed, err := s.records.Retrieve(ctx, userID, Query{Category: category, Limit: 1 << 20})
	if err != nil {
		return err
	}
	if err := s.records.Clear(ctx, userID, category); err != nil {
		return err
	}
	ids := make([]string, 0, len(doomed))
	for _, rec := range doomed {
		ids = append(ids, rec.ID)
	}
	if len(ids) > 0 {
		if err := s.vectors.Delete(ctx, memCollection(userID), ids); err != nil {
			slog.Warn("memory vector clear failed", "user_id", userID, "err", err)
		}
	}
	return nil
}

func (s *VectorStore) Close() error {
	return s.vectors.Close()
}

func (s *VectorStore) recordsByID(ctx context.Context, userID int64) (map[string]Record, error) {
	all, err := s.records.Retrieve(ctx, userID, Query{Limit: 1 << 20})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Record, len(all))
	for _, rec := range all {
		byID[rec.ID] = rec
	}
	return byID, nil
}

var _ Storage = (*VectorStore)(nil)

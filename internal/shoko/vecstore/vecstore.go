// Package vecstore persists embedding vectors per collection and ranks them
// by cosine similarity. Two implementations: a local SQLite store with
// Go-side similarity (the default) and a Qdrant HTTP store for deployments
// with a real vector database.
package vecstore

import (
	"context"
	"errors"
	"math"
)

// ErrUnknownStore is returned by the factory for an unrecognized kind.
var ErrUnknownStore = errors.New("unknown vector store type")

// Point is one stored vector with its payload.
type Point struct {
	ID      string            `json:"id"`
	Vector  []float32         `json:"vector"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Hit is one search result.
type Hit struct {
	ID      string            `json:"id"`
	Score   float64           `json:"score"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Store holds vectors grouped into collections. Collection names already
// encode the KB and user, so isolation needs no extra filtering here.
type Store interface {
	// Upsert writes points into the collection, creating it on first use.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the topK nearest points by cosine similarity.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Hit, error)

	// Delete removes specific points, or the whole collection when ids is
	// empty.
	Delete(ctx context.Context, collection string, ids []string) error

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (int, error)

	Close() error
}

// Cosine computes cosine similarity between two vectors of equal length.
// Mismatched or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Package embed produces vector embeddings for KB chunks and memory
// records. The HTTP implementation speaks the OpenAI embeddings wire format,
// which Infinity, vLLM and LM Studio also serve; the no-op implementation
// disables similarity search cleanly.
package embed

import "context"

// Embedder turns text into a vector.
type Embedder interface {
	// Embed returns the embedding for text, or nil with no error when
	// embedding is unavailable (noop).
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several texts in one call where the backend
	// supports it.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Noop is the disabled embedder.
type Noop struct{}

// Embed always reports no embedding available.
func (Noop) Embed(context.Context, string) ([]float32, error) { return nil, nil }

// EmbedBatch always reports no embeddings available.
func (Noop) EmbedBatch(context.Context, []string) ([][]float32, error) { return nil, nil }

var _ Embedder = Noop{}

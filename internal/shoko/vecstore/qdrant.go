package vecstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const qdrantTimeout = 30 * time.Second

// QdrantStore speaks Qdrant's HTTP API. Collections are created lazily on
// first upsert with the vector size observed in the batch.
type QdrantStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewQdrant builds a store against the given Qdrant base URL
// (e.g. http://localhost:6333).
func NewQdrant(baseURL, apiKey string) *QdrantStore {
	return &QdrantStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: qdrantTimeout},
	}
}

func (q *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx, collection, len(points[0].Vector)); err != nil {
		return err
	}

	type qdrantPoint struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	body := struct {
		Points []qdrantPoint `json:"points"`
	}{}
	for _, p := range points {
		qp := qdrantPoint{ID: p.ID, Vector: p.Vector}
		if len(p.Payload) > 0 {
			qp.Payload = make(map[string]any, len(p.Payload))
			for k, v := range p.Payload {
				qp.Payload[k] = v
			}
		}
		body.Points = append(body.Points, qp)
	}

	return q.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil)
}

func (q *QdrantStore) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}

	var result struct {
		Result []struct {
			ID      string         `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &result)
	if err != nil {
		// A missing collection means nothing indexed yet, not a failure.
		if strings.Contains(err.Error(), "404") {
			return nil, nil
		}
		return nil, err
	}

	hits := make([]Hit, 0, len(result.Result))
	for _, r := range result.Result {
		hit := Hit{ID: r.ID, Score: r.Score}
		if len(r.Payload) > 0 {
			hit.Payload = make(map[string]string, len(r.Payload))
			for k, v := range r.Payload {
				if s, ok := v.(string); ok {
					hit.Payload[k] = s
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (q *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		err := q.do(ctx, http.MethodDelete, "/collections/"+collection, nil, nil)
		if err != nil && strings.Contains(err.Error(), "404") {
			return nil
		}
		return err
	}
	body := map[string]any{"points": ids}
	return q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil)
}

func (q *QdrantStore) Count(ctx context.Context, collection string) (int, error) {
	var result struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := q.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count",
		map[string]any{"exact": true}, &result)
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return 0, nil
		}
		return 0, err
	}
	return result.Result.Count, nil
}

func (q *QdrantStore) Close() error { return nil }

// ensureCollection creates the collection when it does not exist yet.
func (q *QdrantStore) ensureCollection(ctx context.Context, collection string, size int) error {
	err := q.do(ctx, http.MethodGet, "/collections/"+collection, nil, nil)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "404") {
		return err
	}

	body := map[string]any{
		"vectors": map[string]any{"size": size, "distance": "Cosine"},
	}
	return q.do(ctx, http.MethodPut, "/collections/"+collection, body, nil)
}

func (q *QdrantStore) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("qdrant: marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("qdrant: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("qdrant: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("qdrant: %s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("qdrant: decode response: %w", err)
		}
	}
	return nil
}

var _ Store = (*QdrantStore)(nil)

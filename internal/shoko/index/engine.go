// Package index is the hub's KB vector index engine. It walks a knowledge
// base's Markdown tree, chunks and embeds the content, and replaces the
// KB's collection in the vector store; searches embed the query and rank by
// cosine similarity. Reindex runs are detached workers tracked in the job
// registry, one live run per KB.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Kioku/internal/shoko/embed"
	"github.com/bdobrica/Kioku/internal/shoko/jobs"
	"github.com/bdobrica/Kioku/internal/shoko/vecstore"
)

// embedBatchSize bounds one embedding request during reindex.
const embedBatchSize = 16

// reindexTimeout bounds one full reindex run.
const reindexTimeout = 10 * time.Minute

// SearchHit is one vector search result.
type SearchHit struct {
	Path    string  `json:"path"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

// Engine indexes knowledge bases rooted under one directory; the kbID is
// the KB's directory name.
type Engine struct {
	kbRoot   string
	embedder embed.Embedder
	store    vecstore.Store
	jobs     *jobs.Registry

	mu        sync.Mutex
	hashes    map[string]string              // kbID -> content hash of the last index
	docPoints map[string]map[string][]string // kbID -> doc path -> point IDs
	wg        sync.WaitGroup
}

// New builds the engine.
func New(kbRoot string, embedder embed.Embedder, store vecstore.Store, registry *jobs.Registry) *Engine {
	return &Engine{
		kbRoot:    kbRoot,
		embedder:  embedder,
		store:     store,
		jobs:      registry,
		hashes:    make(map[string]string),
		docPoints: make(map[string]map[string][]string),
	}
}

// StartReindex registers a job and kicks off a detached worker. It returns
// the started job immediately; a live job for the same KB yields
// jobs.ErrAlreadyRunning.
//
// A non-empty documents list limits the run to those KB-relative paths,
// replacing just their vectors. Until the engine has built a full index of
// the KB in this process a targeted request falls back to a full rebuild,
// since points persisted by an earlier process cannot be matched to paths.
func (e *Engine) StartReindex(kbID string, force bool, documents []string) (jobs.Job, error) {
	job, err := e.jobs.Start(kbID)
	if err != nil {
		return job, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reindexTimeout)
		defer cancel()
		e.reindex(ctx, kbID, force, documents)
	}()
	return job, nil
}

// Status returns the KB's most recent job.
func (e *Engine) Status(kbID string) (jobs.Job, error) {
	return e.jobs.Get(kbID)
}

// Search embeds the query and returns the topK chunks of the KB.
func (e *Engine) Search(ctx context.Context, kbID, query string, topK int) ([]SearchHit, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if vec == nil {
		return nil, fmt.Errorf("vector search unavailable: no embedder configured")
	}

	hits, err := e.store.Search(ctx, collectionName(kbID), vec, topK)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", kbID, err)
	}

	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, SearchHit{
			Path:    h.Payload["path"],
			Score:   h.Score,
			Snippet: h.Payload["snippet"],
		})
	}
	return out, nil
}

// Wait blocks until running workers finish. Used at shutdown and in tests.
func (e *Engine) Wait() { e.wg.Wait() }

// reindex is the worker body: walk, hash-skip, chunk, embed, replace.
func (e *Engine) reindex(ctx context.Context, kbID string, force bool, only []string) {
	e.jobs.Processing(kbID)
	stats := jobs.Stats{}

	if len(only) > 0 && e.hasTracking(kbID) {
		e.reindexDocuments(ctx, kbID, only)
		return
	}

	docs, err := e.loadDocuments(kbID)
	if err != nil {
		e.jobs.Fail(kbID, stats, err.Error())
		return
	}

	hash := contentHash(docs)
	if !force && e.lastHash(kbID) == hash {
		slog.Debug("kb unchanged; skipping reindex", "kb_id", kbID)
		e.jobs.Complete(kbID, jobs.Stats{Docs: len(docs)})
		return
	}

	var points []vecstore.Point
	tracking := make(map[string][]string)
	for _, doc := range docs {
		chunks := splitDocument(doc.path, doc.content)
		stats.Docs++

		for batchStart := 0; batchStart < len(chunks); batchStart += embedBatchSize {
			batchEnd := min(batchStart+embedBatchSize, len(chunks))
			batch := chunks[batchStart:batchEnd]

			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Text
			}
			vecs, err := e.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", doc.path, err))
				continue
			}
			if vecs == nil {
				e.jobs.Fail(kbID, stats, "no embedder configured")
				return
			}

			for i, c := range batch {
				id := uuid.New().String()
				points = append(points, vecstore.Point{
					ID:     id,
					Vector: vecs[i],
					Payload: map[string]string{
						"path":    c.Path,
						"heading": c.Heading,
						"snippet": snippet(c.Text),
					},
				})
				tracking[c.Path] = append(tracking[c.Path], id)
				stats.Chunks++
			}
		}
		e.jobs.Progress(kbID, stats)
	}

	collection := collectionName(kbID)
	if err := e.store.Delete(ctx, collection, nil); err != nil {
		e.jobs.Fail(kbID, stats, fmt.Sprintf("clear collection: %v", err))
		return
	}
	if err := e.store.Upsert(ctx, collection, points); err != nil {
		e.jobs.Fail(kbID, stats, fmt.Sprintf("store vectors: %v", err))
		return
	}

	e.setTracking(kbID, tracking)
	e.setLastHash(kbID, hash)
	e.jobs.Complete(kbID, stats)
	slog.Info("reindex finished", "kb_id", kbID, "docs", stats.Docs, "chunks", stats.Chunks)
}

// reindexDocuments refreshes only the named documents: their previous points
// are dropped and replacements embedded, leaving the rest of the collection
// untouched. A path that no longer exists on disk was deleted and loses its
// points.
func (e *Engine) reindexDocuments(ctx context.Context, kbID string, only []string) {
	stats := jobs.Stats{}
	collection := collectionName(kbID)

	var stale []string
	var points []vecstore.Point
	updated := make(map[string][]string)
	removed := make(map[string]bool)
	seen := make(map[string]bool)

	for _, raw := range only {
		rel := filepath.ToSlash(filepath.Clean(raw))
		if rel == "." || strings.HasPrefix(rel, "../") || rel == ".." {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: outside the kb", raw))
			continue
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		stale = append(stale, e.trackedPoints(kbID, rel)...)

		content, err := os.ReadFile(filepath.Join(e.kbRoot, kbID, filepath.FromSlash(rel)))
		if os.IsNotExist(err) {
			removed[rel] = true
			continue
		}
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}

		chunks := splitDocument(rel, string(content))
		stats.Docs++

		for batchStart := 0; batchStart < len(chunks); batchStart += embedBatchSize {
			batchEnd := min(batchStart+embedBatchSize, len(chunks))
			batch := chunks[batchStart:batchEnd]

			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Text
			}
			vecs, err := e.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", rel, err))
				continue
			}
			if vecs == nil {
				e.jobs.Fail(kbID, stats, "no embedder configured")
				return
			}

			for i, c := range batch {
				id := uuid.New().String()
				points = append(points, vecstore.Point{
					ID:     id,
					Vector: vecs[i],
					Payload: map[string]string{
						"path":    c.Path,
						"heading": c.Heading,
						"snippet": snippet(c.Text),
					},
				})
				updated[rel] = append(updated[rel], id)
				stats.Chunks++
			}
		}
		e.jobs.Progress(kbID, stats)
	}

	// An empty id list would clear the whole collection.
	if len(stale) > 0 {
		if err := e.store.Delete(ctx, collection, stale); err != nil {
			e.jobs.Fail(kbID, stats, fmt.Sprintf("drop stale vectors: %v", err))
			return
		}
	}
	if len(points) > 0 {
		if err := e.store.Upsert(ctx, collection, points); err != nil {
			e.jobs.Fail(kbID, stats, fmt.Sprintf("store vectors: %v", err))
			return
		}
	}

	e.updateTracking(kbID, updated, removed)
	// The whole-KB hash no longer matches what is indexed; clearing it makes
	// the next unforced full run recompute instead of skipping.
	e.setLastHash(kbID, "")
	e.jobs.Complete(kbID, stats)
	slog.Info("targeted reindex finished", "kb_id", kbID, "docs", stats.Docs, "chunks", stats.Chunks)
}

type document struct {
	path    string
	content string
}

// loadDocuments reads every Markdown file under the KB's topics tree,
// sorted for stable hashing.
func (e *Engine) loadDocuments(kbID string) ([]document, error) {
	topics := filepath.Join(e.kbRoot, kbID, "topics")
	if _, err := os.Stat(topics); err != nil {
		return nil, fmt.Errorf("kb %s has no topics tree: %w", kbID, err)
	}

	var docs []document
	err := filepath.WalkDir(topics, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Join(e.kbRoot, kbID), path)
		if err != nil {
			return err
		}
		docs = append(docs, document{path: filepath.ToSlash(rel), content: string(raw)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", topics, err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].path < docs[j].path })
	return docs, nil
}

func (e *Engine) lastHash(kbID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hashes[kbID]
}

func (e *Engine) setLastHash(kbID, hash string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hashes[kbID] = hash
}

func (e *Engine) hasTracking(kbID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.docPoints[kbID]) > 0
}

func (e *Engine) trackedPoints(kbID, path string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.docPoints[kbID][path]
}

func (e *Engine) setTracking(kbID string, tracking map[string][]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docPoints[kbID] = tracking
}

func (e *Engine) updateTracking(kbID string, updated map[string][]string, removed map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.docPoints[kbID]
	if m == nil {
		m = make(map[string][]string)
		e.docPoints[kbID] = m
	}
	for path := range removed {
		delete(m, path)
	}
	for path, ids := range updated {
		m[path] = ids
	}
}

// contentHash fingerprints the whole KB so unforced reindexes can skip
// unchanged content.
func contentHash(docs []document) string {
	h := sha256.New()
	for _, d := range docs {
		fmt.Fprintf(h, "%s\x00%s\x00", d.path, d.content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// collectionName maps a kbID to a store collection. The kbID already
// encodes the owning user, so this is the whole isolation boundary.
func collectionName(kbID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, kbID)
	return "kb_" + safe
}

// snippet trims chunk text to a preview suitable for search results.
func snippet(text string) string {
	const maxSnippet = 300
	text = strings.TrimSpace(text)
	if len(text) <= maxSnippet {
		return text
	}
	cut := text[:maxSnippet]
	if sp := strings.LastIndexByte(cut, ' '); sp > maxSnippet/2 {
		cut = cut[:sp]
	}
	return cut + "…"
}

package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bdobrica/Kioku/internal/shoko/jobs"
	"github.com/bdobrica/Kioku/internal/shoko/vecstore"
)

// hashEmbedder produces deterministic tiny vectors so ranking is testable
// without a model.
type hashEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (h *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return vectorFor(text), nil
}

func (h *hashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = vectorFor(t)
	}
	return out, nil
}

// vectorFor points documents about "rag" one way and everything else
// another.
func vectorFor(text string) []float32 {
	if strings.Contains(strings.ToLower(text), "rag") {
		return []float32{1, 0}
	}
	return []float32{0, 1}
}

func writeKB(t *testing.T, root, kbID string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, kbID, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func testEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	store, err := vecstore.NewSQLite(filepath.Join(t.TempDir(), "vec.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(root, &hashEmbedder{}, store, jobs.NewRegistry()), root
}

func TestReindexAndSearch(t *testing.T) {
	e, root := testEngine(t)
	writeKB(t, root, "kb-101", map[string]string{
		"topics/ai/rag.md":      "# RAG\nRetrieval augmented generation notes.",
		"topics/tech/other.md":  "# Other\nSomething unrelated entirely.",
		"topics/ai/ignored.txt": "not markdown",
	})

	job, err := e.StartReindex("kb-101", true, nil)
	if err != nil {
		t.Fatalf("StartReindex: %v", err)
	}
	if job.Status != jobs.StatusStarted {
		t.Fatalf("initial status: %s", job.Status)
	}
	e.Wait()

	final, err := e.Status("kb-101")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != jobs.StatusCompleted {
		t.Fatalf("final status: %s (%s)", final.Status, final.Message)
	}
	if final.Stats.Docs != 2 || final.Stats.Chunks < 2 {
		t.Fatalf("stats: %+v", final.Stats)
	}

	hits, err := e.Search(context.Background(), "kb-101", "rag", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Path != "topics/ai/rag.md" {
		t.Fatalf("hits: %+v", hits)
	}
	if hits[0].Snippet == "" {
		t.Fatal("snippet missing")
	}
}

func TestUnforcedReindexSkipsUnchangedContent(t *testing.T) {
	e, root := testEngine(t)
	writeKB(t, root, "kb-101", map[string]string{
		"topics/general/a.md": "alpha",
	})

	e.StartReindex("kb-101", true, nil)
	e.Wait()

	e.StartReindex("kb-101", false, nil)
	e.Wait()

	job, _ := e.Status("kb-101")
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("status: %s", job.Status)
	}
	// The skip leaves chunk stats empty.
	if job.Stats.Chunks != 0 {
		t.Fatalf("second run re-embedded: %+v", job.Stats)
	}
}

func TestTargetedReindexRefreshesNamedDocument(t *testing.T) {
	e, root := testEngine(t)
	writeKB(t, root, "kb-101", map[string]string{
		"topics/ai/rag.md":     "# RAG\nRetrieval augmented generation notes.",
		"topics/tech/other.md": "# Other\nSomething unrelated entirely.",
	})

	e.StartReindex("kb-101", true, nil)
	e.Wait()

	// The edited document now matches the query; only it gets re-embedded.
	writeKB(t, root, "kb-101", map[string]string{
		"topics/tech/other.md": "# Other\nNow this one covers rag too.",
	})
	e.StartReindex("kb-101", false, []string{"topics/tech/other.md"})
	e.Wait()

	job, err := e.Status("kb-101")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("status: %s (%s)", job.Status, job.Message)
	}
	if job.Stats.Docs != 1 {
		t.Fatalf("targeted run touched %d docs, want 1", job.Stats.Docs)
	}

	hits, err := e.Search(context.Background(), "kb-101", "rag", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	// Two live points, no stale duplicate for the edited document.
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(hits), hits)
	}
	paths := map[string]bool{}
	for _, h := range hits {
		if paths[h.Path] {
			t.Fatalf("stale vectors left behind for %s", h.Path)
		}
		paths[h.Path] = true
	}
	if !paths["topics/tech/other.md"] {
		t.Fatalf("edited document missing from results: %+v", hits)
	}
}

func TestTargetedReindexDropsDeletedDocument(t *testing.T) {
	e, root := testEngine(t)
	writeKB(t, root, "kb-101", map[string]string{
		"topics/ai/rag.md":     "# RAG\nRetrieval augmented generation notes.",
		"topics/tech/other.md": "# Other\nSomething unrelated entirely.",
	})

	e.StartReindex("kb-101", true, nil)
	e.Wait()

	if err := os.Remove(filepath.Join(root, "kb-101", "topics", "ai", "rag.md")); err != nil {
		t.Fatal(err)
	}
	e.StartReindex("kb-101", false, []string{"topics/ai/rag.md"})
	e.Wait()

	hits, err := e.Search(context.Background(), "kb-101", "rag", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, h := range hits {
		if h.Path == "topics/ai/rag.md" {
			t.Fatalf("deleted document still indexed: %+v", hits)
		}
	}
	if len(hits) != 1 {
		t.Fatalf("expected only the surviving document, got %d hits", len(hits))
	}
}

func TestTargetedReindexWithoutIndexFallsBackToFull(t *testing.T) {
	e, root := testEngine(t)
	writeKB(t, root, "kb-101", map[string]string{
		"topics/ai/rag.md":     "# RAG\nRetrieval augmented generation notes.",
		"topics/tech/other.md": "# Other\nSomething unrelated entirely.",
	})

	// No prior full run in this process, so the target list cannot be
	// honored and the whole KB is indexed.
	e.StartReindex("kb-101", false, []string{"topics/ai/rag.md"})
	e.Wait()

	job, _ := e.Status("kb-101")
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("status: %s (%s)", job.Status, job.Message)
	}
	if job.Stats.Docs != 2 {
		t.Fatalf("fallback should index every doc, got %d", job.Stats.Docs)
	}
}

func TestSecondReindexWhileRunningIsRejected(t *testing.T) {
	e, root := testEngine(t)
	writeKB(t, root, "kb-101", map[string]string{"topics/general/a.md": "alpha"})

	registry := e.jobs
	if _, err := registry.Start("kb-101"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.StartReindex("kb-101", true, nil); !errors.Is(err, jobs.ErrAlreadyRunning) {
		t.Fatalf("want ErrAlreadyRunning, got %v", err)
	}
}

func TestReindexMissingKBFails(t *testing.T) {
	e, _ := testEngine(t)

	e.StartReindex("nope", true, nil)
	e.Wait()

	job, _ := e.Status("nope")
	if job.Status != jobs.StatusFailed {
		t.Fatalf("status: %s", job.Status)
	}
}

func TestSplitDocumentHeadings(t *testing.T) {
	content := "# Title\nintro text\n\n## Section A\nbody a\n\n## Section B\nbody b\n"
	chunks := splitDocument("topics/ai/x.md", content)
	if len(chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d", len(chunks))
	}
	if chunks[1].Heading != "Section A" || !strings.Contains(chunks[1].Text, "body a") {
		t.Fatalf("chunk 1: %+v", chunks[1])
	}
}

func TestSplitDocumentLongSectionOverlaps(t *testing.T) {
	long := strings.Repeat("line of text that fills the chunk window\n", 100)
	chunks := splitDocument("x.md", "# Big\n"+long)
	if len(chunks) < 2 {
		t.Fatalf("long section not windowed: %d chunks", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Text) > chunkSize {
			t.Fatalf("chunk exceeds size: %d", len(c.Text))
		}
	}
}

func TestCollectionName(t *testing.T) {
	if got := collectionName("my kb/101"); got != "kb_my_kb_101" {
		t.Fatalf("collectionName: %s", got)
	}
}

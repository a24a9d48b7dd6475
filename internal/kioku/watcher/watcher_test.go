package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/bus"
)

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) record(evt bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) find(t bus.EventType, path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range r.events {
		if evt.Type == t && evt.Path == path {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected event not seen")
}

func newTestWatcher(t *testing.T) (string, *recorder) {
	t.Helper()
	root := t.TempDir()
	b := bus.New()

	rec := &recorder{}
	for _, et := range []bus.EventType{bus.FileCreated, bus.FileModified, bus.FileDeleted, bus.FolderCreated} {
		b.Subscribe(et, rec.record)
	}

	w, err := New(root, b, func(string) int64 { return 101 })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(w.Stop)
	return root, rec
}

func TestFileCreateAndModify(t *testing.T) {
	root, rec := newTestWatcher(t)

	path := filepath.Join(root, "note.md")
	if err := os.WriteFile(path, []byte("# hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.find(bus.FileCreated, path) })

	if err := os.WriteFile(path, []byte("# hi again"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.find(bus.FileModified, path) })
}

func TestNewDirectoryIsWatched(t *testing.T) {
	root, rec := newTestWatcher(t)

	dir := filepath.Join(root, "ai")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.find(bus.FolderCreated, dir) })

	// Writes inside the new directory must be seen too.
	nested := filepath.Join(dir, "rag.md")
	if err := os.WriteFile(nested, []byte("rag"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.find(bus.FileCreated, nested) })
}

func TestDelete(t *testing.T) {
	root, rec := newTestWatcher(t)

	path := filepath.Join(root, "gone.md")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.find(bus.FileCreated, path) })

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return rec.find(bus.FileDeleted, path) })
}

func TestSkipPath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/kb/.git/index", true},
		{"/kb/topics/ai/note.md", false},
		{"/kb/topics/ai/.#note.md", true},
		{"/kb/topics/ai/note.md~", true},
		{"/kb/topics/ai/note.md.swp", true},
		{"/kb/topics/ai/note.tmp", true},
	}
	for _, tc := range cases {
		if got := skipPath(tc.path); got != tc.want {
			t.Errorf("skipPath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

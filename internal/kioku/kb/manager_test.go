package kb_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bdobrica/Kioku/internal/kioku/kb"
)

func newTestManager(t *testing.T) *kb.Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := kb.NewManager(filepath.Join(dir, "kbs"), filepath.Join(dir, "kb_configs.json"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestInitLocal_CreatesScaffold(t *testing.T) {
	m := newTestManager(t)

	path, err := m.InitLocal(42, "my-kb")
	if err != nil {
		t.Fatalf("InitLocal: %v", err)
	}

	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		t.Errorf("expected git repo at %s: %v", path, err)
	}
	for _, cat := range kb.SeedCategories {
		dir := filepath.Join(path, "topics", cat)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("missing seed category %s", cat)
		}
	}
	for _, name := range []string{"README.md", ".gitignore"} {
		if _, err := os.Stat(filepath.Join(path, name)); err != nil {
			t.Errorf("missing seed file %s", name)
		}
	}
}

func TestInitLocal_Idempotent(t *testing.T) {
	m := newTestManager(t)

	path, err := m.InitLocal(42, "my-kb")
	if err != nil {
		t.Fatalf("InitLocal: %v", err)
	}

	custom := filepath.Join(path, "README.md")
	if err := os.WriteFile(custom, []byte("my own readme"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := m.InitLocal(42, "my-kb"); err != nil {
		t.Fatalf("second InitLocal: %v", err)
	}

	got, err := os.ReadFile(custom)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "my own readme" {
		t.Error("InitLocal overwrote an existing file")
	}
}

func TestInitLocal_SavesConfig(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.InitLocal(42, "my-kb"); err != nil {
		t.Fatalf("InitLocal: %v", err)
	}

	cfg, ok := m.Config(42)
	if !ok {
		t.Fatal("expected config for user 42")
	}
	if cfg.KBName != "my-kb" || cfg.KBType != kb.TypeLocal {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.HasCredentials {
		t.Error("local KB should not claim credentials")
	}
}

func TestGetKBPath(t *testing.T) {
	m := newTestManager(t)

	if _, ok := m.GetKBPath(42); ok {
		t.Fatal("expected no path before configuration")
	}

	want, err := m.InitLocal(42, "my-kb")
	if err != nil {
		t.Fatalf("InitLocal: %v", err)
	}

	got, ok := m.GetKBPath(42)
	if !ok || got != want {
		t.Errorf("GetKBPath = (%q, %v), want (%q, true)", got, ok, want)
	}
}

func TestGetKBPath_RestoresScaffold(t *testing.T) {
	m := newTestManager(t)

	path, err := m.InitLocal(42, "my-kb")
	if err != nil {
		t.Fatalf("InitLocal: %v", err)
	}
	if err := os.RemoveAll(filepath.Join(path, "topics")); err != nil {
		t.Fatalf("remove topics: %v", err)
	}

	if _, ok := m.GetKBPath(42); !ok {
		t.Fatal("GetKBPath should succeed")
	}
	if _, err := os.Stat(filepath.Join(path, "topics", "general")); err != nil {
		t.Error("topics tree should be recreated on path access")
	}
}

func TestConfigPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "kbs")
	cfgPath := filepath.Join(dir, "kb_configs.json")

	m1, err := kb.NewManager(base, cfgPath)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m1.InitLocal(7, "notes"); err != nil {
		t.Fatalf("InitLocal: %v", err)
	}

	m2, err := kb.NewManager(base, cfgPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	cfg, ok := m2.Config(7)
	if !ok || cfg.KBName != "notes" {
		t.Errorf("config not persisted: %+v ok=%v", cfg, ok)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	m := newTestManager(t)

	p1, err := m.InitLocal(1, "kb")
	if err != nil {
		t.Fatalf("InitLocal(1): %v", err)
	}
	p2, err := m.InitLocal(2, "kb")
	if err != nil {
		t.Fatalf("InitLocal(2): %v", err)
	}
	if p1 == p2 {
		t.Errorf("two users share a KB path: %s", p1)
	}
}

func TestTopicsDir(t *testing.T) {
	m := newTestManager(t)
	path, err := m.InitLocal(42, "my-kb")
	if err != nil {
		t.Fatalf("InitLocal: %v", err)
	}

	topics, err := kb.TopicsDir(path)
	if err != nil {
		t.Fatalf("TopicsDir: %v", err)
	}
	if topics != filepath.Join(path, "topics") {
		t.Errorf("TopicsDir = %q", topics)
	}
	if _, err := os.Stat(topics); err != nil {
		t.Errorf("topics dir should exist: %v", err)
	}
}

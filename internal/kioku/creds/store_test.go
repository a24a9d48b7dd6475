package creds_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/Kioku/common/crypto"
	"github.com/bdobrica/Kioku/internal/kioku/creds"
)

func newTestStore(t *testing.T) (*creds.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := creds.New(path, key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, path
}

func TestAddAndGetToken(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.AddToken(42, creds.PlatformGitHub, "alice", "ghp_secret123456789012345"); err != nil {
		t.Fatalf("AddToken: %v", err)
	}

	cred, err := s.GetToken(42, creds.PlatformGitHub)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if cred.Username != "alice" {
		t.Errorf("Username = %q, want alice", cred.Username)
	}
	if cred.Token != "ghp_secret123456789012345" {
		t.Errorf("Token = %q", cred.Token)
	}
}

func TestGetToken_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetToken(42, creds.PlatformGitHub)
	if !errors.Is(err, creds.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAddToken_UnknownPlatform(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.AddToken(42, "bitbucket", "alice", "tok")
	if !errors.Is(err, creds.ErrUnknownPlatform) {
		t.Errorf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestTokenNotStoredInPlaintext(t *testing.T) {
	s, path := newTestStore(t)

	const token = "ghp_verysecrettoken0123456789"
	if err := s.AddToken(42, creds.PlatformGitHub, "alice", token); err != nil {
		t.Fatalf("AddToken: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read credentials file: %v", err)
	}
	if strings.Contains(string(raw), token) {
		t.Error("plaintext token found in credentials file")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 0600", perm)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	s1, err := creds.New(path, key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.AddToken(7, creds.PlatformGitLab, "bob", "glpat-abc123def456ghi789"); err != nil {
		t.Fatalf("AddToken: %v", err)
	}

	s2, err := creds.New(path, key)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	cred, err := s2.GetToken(7, creds.PlatformGitLab)
	if err != nil {
		t.Fatalf("GetToken after reopen: %v", err)
	}
	if cred.Token != "glpat-abc123def456ghi789" {
		t.Errorf("Token = %q after reopen", cred.Token)
	}
}

func TestWrongKeyReturnsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	key1, _ := crypto.GenerateKey()
	key2, _ := crypto.GenerateKey()

	s1, err := creds.New(path, key1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.AddToken(1, creds.PlatformGitHub, "alice", "tok"); err != nil {
		t.Fatalf("AddToken: %v", err)
	}

	s2, err := creds.New(path, key2)
	if err != nil {
		t.Fatalf("reopen with different key: %v", err)
	}
	_, err = s2.GetToken(1, creds.PlatformGitHub)
	if !errors.Is(err, creds.ErrNotFound) {
		t.Errorf("undecryptable entry should read as not found, got %v", err)
	}
}

func TestRemoveToken_SinglePlatform(t *testing.T) {
	s, _ := newTestStore(t)

	s.AddToken(42, creds.PlatformGitHub, "alice", "tok1")
	s.AddToken(42, creds.PlatformGitLab, "alice", "tok2")

	if err := s.RemoveToken(42, creds.PlatformGitHub); err != nil {
		t.Fatalf("RemoveToken: %v", err)
	}

	if _, err := s.GetToken(42, creds.PlatformGitHub); !errors.Is(err, creds.ErrNotFound) {
		t.Error("github credential should be gone")
	}
	if _, err := s.GetToken(42, creds.PlatformGitLab); err != nil {
		t.Errorf("gitlab credential should survive: %v", err)
	}
}

func TestRemoveToken_AllPlatforms(t *testing.T) {
	s, _ := newTestStore(t)

	s.AddToken(42, creds.PlatformGitHub, "alice", "tok1")
	s.AddToken(42, creds.PlatformGitLab, "alice", "tok2")

	if err := s.RemoveToken(42, ""); err != nil {
		t.Fatalf("RemoveToken(all): %v", err)
	}
	if got := s.ListPlatforms(42); len(got) != 0 {
		t.Errorf("expected no platforms, got %v", got)
	}
}

func TestRemoveToken_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.RemoveToken(42, creds.PlatformGitHub); !errors.Is(err, creds.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListPlatforms_Sorted(t *testing.T) {
	s, _ := newTestStore(t)

	s.AddToken(42, creds.PlatformGitLab, "alice", "tok2")
	s.AddToken(42, creds.PlatformGitHub, "alice", "tok1")

	got := s.ListPlatforms(42)
	if len(got) != 2 || got[0] != "github" || got[1] != "gitlab" {
		t.Errorf("ListPlatforms = %v, want [github gitlab]", got)
	}
}

func TestNew_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	key, _ := crypto.GenerateKey()
	if _, err := creds.New(path, key); err == nil {
		t.Fatal("expected error for corrupt file")
	}
}

func TestFileShapeStable(t *testing.T) {
	s, path := newTestStore(t)
	s.AddToken(42, creds.PlatformGitHub, "alice", "tok")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc struct {
		Users map[string]map[string]struct {
			Username string `json:"username"`
			Token    string `json:"token"`
		} `json:"users"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	entry, ok := doc.Users["42"]["github"]
	if !ok {
		t.Fatalf("expected users.42.github entry, got %v", doc.Users)
	}
	if entry.Username != "alice" || entry.Token == "" {
		t.Errorf("unexpected entry %+v", entry)
	}
}

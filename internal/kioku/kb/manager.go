// Package kb manages per-user knowledge base repositories: where they live
// on disk, how they are created or cloned, and which user owns which KB.
package kb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/bdobrica/Kioku/internal/kioku/creds"
)

// KB repository types.
const (
	TypeLocal  = "local"
	TypeGithub = "github"
)

// SeedCategories are created under topics/ in every fresh KB so the agent
// always has somewhere sensible to file a note.
var SeedCategories = []string{"general", "ai", "tech", "science", "business"}

// ErrRepo wraps failures to initialize or open a KB as a git repository.
var ErrRepo = errors.New("kb repository error")

// UserConfig records which KB a user owns and how it is backed.
type UserConfig struct {
	KBName         string `json:"kb_name"`
	KBType         string `json:"kb_type"`
	GithubURL      string `json:"github_url,omitempty"`
	HasCredentials bool   `json:"has_credentials"`
}

// Manager owns the KB directory layout under baseDir and the persistent
// user→KB mapping. All path-returning operations guarantee the KB scaffold
// (topics/ with seed categories, README, .gitignore) exists; existing files
// are never overwritten.
type Manager struct {
	baseDir    string
	configPath string

	mu      sync.Mutex
	configs map[string]UserConfig
}

// NewManager loads the user→KB mapping from configPath, creating an empty
// one when the file does not exist yet.
func NewManager(baseDir, configPath string) (*Manager, error) {
	m := &Manager{
		baseDir:    baseDir,
		configPath: configPath,
		configs:    make(map[string]UserConfig),
	}

	raw, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read kb config: %w", err)
	}
	if err := json.Unmarshal(raw, &m.configs); err != nil {
		return nil, fmt.Errorf("failed to parse kb config %s: %w", configPath, err)
	}
	return m, nil
}

// Config returns the stored KB configuration for a user.
func (m *Manager) Config(userID int64) (UserConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[userKey(userID)]
	return cfg, ok
}

// GetKBPath returns the path of the user's KB if one is configured,
// ensuring the scaffold exists before handing the path out.
func (m *Manager) GetKBPath(userID int64) (string, bool) {
	cfg, ok := m.Config(userID)
	if !ok {
		return "", false
	}
	path := m.pathFor(userID, cfg.KBName)
	if err := EnsureScaffold(path); err != nil {
		return "", false
	}
	return path, true
}

// InitLocal creates (or adopts) a local git-backed KB for the user.
// Idempotent: an existing repository at the target path is reused.
func (m *Manager) InitLocal(userID int64, kbName string) (string, error) {
	path := m.pathFor(userID, kbName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRepo, err)
	}

	_, err := gogit.PlainInit(path, false)
	if err != nil && !errors.Is(err, gogit.ErrRepositoryAlreadyExists) {
		return "", fmt.Errorf("%w: init %s: %v", ErrRepo, path, err)
	}

	if err := EnsureScaffold(path); err != nil {
		return "", err
	}

	if err := m.saveConfig(userID, UserConfig{KBName: kbName, KBType: TypeLocal}); err != nil {
		return "", err
	}
	return path, nil
}

// CloneGithub clones a GitHub-hosted KB for the user. When the target path
// already holds a repository the clone is skipped and the existing checkout
// is adopted. cred may be zero for public repositories.
func (m *Manager) CloneGithub(ctx context.Context, userID int64, kbName, url string, cred creds.Credential) (string, error) {
	path := m.pathFor(userID, kbName)

	if isRepo(path) {
		if err := EnsureScaffold(path); err != nil {
			return "", err
		}
		return path, m.saveConfig(userID, UserConfig{
			KBName:         kbName,
			KBType:         TypeGithub,
			GithubURL:      url,
			HasCredentials: cred.Token != "",
		})
	}

	_, err := gogit.PlainCloneContext(ctx, path, false, &gogit.CloneOptions{
		URL:  url,
		Auth: basicAuth(cred),
	})
	if err != nil {
		return "", fmt.Errorf("%w: clone %s: %v", ErrRepo, url, err)
	}

	if err := EnsureScaffold(path); err != nil {
		return "", err
	}
	return path, m.saveConfig(userID, UserConfig{
		KBName:         kbName,
		KBType:         TypeGithub,
		GithubURL:      url,
		HasCredentials: cred.Token != "",
	})
}

// PullUpdates fast-forwards an existing KB checkout from its origin remote.
// Already-up-to-date is not an error.
func (m *Manager) PullUpdates(ctx context.Context, kbPath string, cred creds.Credential) error {
	repo, err := gogit.PlainOpen(kbPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrRepo, kbPath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: worktree: %v", ErrRepo, err)
	}
	err = wt.PullContext(ctx, &gogit.PullOptions{
		RemoteName: "origin",
		Auth:       basicAuth(cred),
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("%w: pull: %v", ErrRepo, err)
	}
	return EnsureScaffold(kbPath)
}

func (m *Manager) pathFor(userID int64, kbName string) string {
	return filepath.Join(m.baseDir, "user_"+userKey(userID), kbName)
}

// saveConfig persists the mapping atomically.
func (m *Manager) saveConfig(userID int64, cfg UserConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs[userKey(userID)] = cfg
	raw, err := json.MarshalIndent(m.configs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal kb config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	tmp := m.configPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write kb config: %w", err)
	}
	if err := os.Rename(tmp, m.configPath); err != nil {
		return fmt.Errorf("failed to replace kb config: %w", err)
	}
	return nil
}

const seedReadme = `# Knowledge Base

Notes curated by Kioku. Content lives under topics/, one directory per
category. Files are plain Markdown and safe to edit by hand.
`

const seedGitignore = `.DS_Store
*.tmp
*.swp
`

// EnsureScaffold creates the topics/ tree with seed categories and seeds
// README.md and .gitignore. Existing files are left untouched.
func EnsureScaffold(kbPath string) error {
	for _, cat := range SeedCategories {
		dir := filepath.Join(kbPath, "topics", cat)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create category %s: %w", cat, err)
		}
		// .gitkeep so empty categories survive a commit.
		keep := filepath.Join(dir, ".gitkeep")
		if _, err := os.Stat(keep); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(keep, nil, 0o644); err != nil {
				return fmt.Errorf("failed to seed %s: %w", keep, err)
			}
		}
	}

	seeds := map[string]string{
		"README.md":  seedReadme,
		".gitignore": seedGitignore,
	}
	for name, content := range seeds {
		path := filepath.Join(kbPath, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to seed %s: %w", name, err)
		}
	}
	return nil
}

// TopicsDir returns the agent working directory inside a KB, creating it
// when missing.
func TopicsDir(kbPath string) (string, error) {
	if err := EnsureScaffold(kbPath); err != nil {
		return "", err
	}
	return filepath.Join(kbPath, "topics"), nil
}

func basicAuth(cred creds.Credential) transport.AuthMethod {
	if cred.Token == "" {
		return nil
	}
	username := cred.Username
	if username == "" {
		username = "x-access-token"
	}
	return &gogithttp.BasicAuth{Username: username, Password: cred.Token}
}

func isRepo(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// Package creds stores per-user git hosting credentials, encrypted at rest.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bdobrica/Kioku/common/crypto"
)

// Supported git hosting platforms.
const (
	PlatformGitHub = "github"
	PlatformGitLab = "gitlab"
)

var (
	// ErrNotFound is returned when no credential exists for the requested
	// user and platform. Decryption failures map to this error too, so a
	// corrupted entry never leaks ciphertext details to callers.
	ErrNotFound = errors.New("credential not found")

	// ErrUnknownPlatform is returned for platforms outside the supported set.
	ErrUnknownPlatform = errors.New("unknown platform")
)

// Credential is a decrypted username/token pair.
type Credential struct {
	Username string
	Token    string
}

type storedCred struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"` // AES-GCM, base64
	UpdatedAt time.Time `json:"updated_at"`
}

type fileData struct {
	Users map[string]map[string]storedCred `json:"users"`
}

// Store persists credentials in a single JSON file with tokens encrypted
// under a process-local key. The file is read once at open and cached; all
// mutations rewrite it atomically with mode 0600.
type Store struct {
	path string
	key  []byte

	mu   sync.Mutex
	data fileData
}

// New opens or creates the credentials file at path.
func New(path string, key []byte) (*Store, error) {
	s := &Store{
		path: path,
		key:  key,
		data: fileData{Users: make(map[string]map[string]storedCred)},
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file %s: %w", path, err)
	}
	if s.data.Users == nil {
		s.data.Users = make(map[string]map[string]storedCred)
	}
	return s, nil
}

// AddToken encrypts and stores a token for the given user and platform,
// replacing any previous entry.
func (s *Store) AddToken(userID int64, platform, username, token string) error {
	if err := validPlatform(platform); err != nil {
		return err
	}

	enc, err := crypto.EncryptString(s.key, token)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uid := userKey(userID)
	if s.data.Users[uid] == nil {
		s.data.Users[uid] = make(map[string]storedCred)
	}
	s.data.Users[uid][platform] = storedCred{
		Username:  username,
		Token:     enc,
		UpdatedAt: time.Now().UTC(),
	}
	return s.save()
}

// GetToken returns the decrypted credential for the given user and platform.
// A missing or undecryptable entry returns ErrNotFound.
func (s *Store) GetToken(userID int64, platform string) (Credential, error) {
	if err := validPlatform(platform); err != nil {
		return Credential{}, err
	}

	s.mu.Lock()
	entry, ok := s.data.Users[userKey(userID)][platform]
	s.mu.Unlock()
	if !ok {
		return Credential{}, ErrNotFound
	}

	token, err := crypto.DecryptString(s.key, entry.Token)
	if err != nil {
		return Credential{}, ErrNotFound
	}
	return Credential{Username: entry.Username, Token: token}, nil
}

// RemoveToken deletes the credential for one platform, or for all platforms
// when platform is empty.
func (s *Store) RemoveToken(userID int64, platform string) error {
	if platform != "" {
		if err := validPlatform(platform); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uid := userKey(userID)
	creds, ok := s.data.Users[uid]
	if !ok {
		return ErrNotFound
	}
	if platform == "" {
		delete(s.data.Users, uid)
		return s.save()
	}
	if _, ok := creds[platform]; !ok {
		return ErrNotFound
	}
	delete(creds, platform)
	if len(creds) == 0 {
		delete(s.data.Users, uid)
	}
	return s.save()
}

// ListPlatforms returns the platforms the user has credentials for, sorted.
func (s *Store) ListPlatforms(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds := s.data.Users[userKey(userID)]
	platforms := make([]string, 0, len(creds))
	for p := range creds {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	return platforms
}

// save writes the file atomically so a crash mid-write cannot corrupt all
// stored credentials. Caller holds s.mu.
func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".creds-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}

func validPlatform(platform string) error {
	switch platform {
	case PlatformGitHub, PlatformGitLab:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

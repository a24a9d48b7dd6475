// Package settings stores per-user bot settings: processing mode, git
// toggle, model override. Values persist as strings in one JSON file;
// definitions attach a kind, a default, and validation to each known name.
//
// Token-like settings are declared Secret and cannot be set here — the
// credentials store handles those so plaintext tokens never land in the
// settings file.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Kind classifies a setting's value for validation.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindFloat
	KindEnum
)

// Setting names.
const (
	NameMode        = "mode"
	NameGitEnabled  = "git_enabled"
	NameLanguage    = "language"
	NameLLMModel    = "llm_model"
	NameGithubToken = "github_token"
	NameGitlabToken = "gitlab_token"
)

// Processing modes accepted by the mode setting.
const (
	ModeNote  = "note"
	ModeAsk   = "ask"
	ModeAgent = "agent"
)

// Sentinel errors returned by Set.
var (
	ErrUnknownSetting = errors.New("unknown setting")
	ErrSecretSetting  = errors.New("secret settings are managed via the credentials flow")
	ErrInvalidValue   = errors.New("invalid setting value")
)

// Definition describes one known setting.
type Definition struct {
	Name        string
	Kind        Kind
	Enum        []string // KindEnum only
	Secret      bool
	Default     string
	Description string
}

// Known lists every setting the bot understands, in display order.
var Known = []Definition{
	{
		Name:        NameMode,
		Kind:        KindEnum,
		Enum:        []string{ModeNote, ModeAsk, ModeAgent},
		Default:     ModeNote,
		Description: "How aggregated messages are processed.",
	},
	{
		Name:        NameGitEnabled,
		Kind:        KindBool,
		Default:     "true",
		Description: "Commit and push KB changes automatically.",
	},
	{
		Name:        NameLanguage,
		Kind:        KindString,
		Default:     "",
		Description: "Preferred note language. Empty follows the input.",
	},
	{
		Name:        NameLLMModel,
		Kind:        KindString,
		Default:     "",
		Description: "Model override. Empty uses the configured default.",
	},
	{
		Name:        NameGithubToken,
		Kind:        KindString,
		Secret:      true,
		Description: "GitHub access token (set via the credentials flow).",
	},
	{
		Name:        NameGitlabToken,
		Kind:        KindString,
		Secret:      true,
		Description: "GitLab access token (set via the credentials flow).",
	},
}

// Lookup returns the definition for name.
func Lookup(name string) (Definition, bool) {
	for _, def := range Known {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

// ChangeFunc is notified after a setting changes for a user.
type ChangeFunc func(userID int64, name string)

// Store holds per-user setting overrides backed by a JSON file.
type Store struct {
	path string

	mu       sync.Mutex
	users    map[string]map[string]string
	onChange []ChangeFunc
}

// New loads the settings file at path, starting empty when it does not
// exist yet.
func New(path string) (*Store, error) {
	s := &Store{
		path:  path,
		users: make(map[string]map[string]string),
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := json.Unmarshal(raw, &s.users); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return s, nil
}

// OnChange registers a hook fired after every successful Set or Unset.
// Hooks run on the mutating goroutine, outside the store lock.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Set validates and stores a setting override for a user. The stored value
// is the normalized form (e.g. "true"/"false" for booleans).
func (s *Store) Set(userID int64, name, value string) error {
	def, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	if def.Secret {
		return fmt.Errorf("%w: %s", ErrSecretSetting, name)
	}
	normalized, err := normalize(def, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	key := userKey(userID)
	if s.users[key] == nil {
		s.users[key] = make(map[string]string)
	}
	s.users[key][name] = normalized
	err = s.saveLocked()
	hooks := append([]ChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, fn := range hooks {
		fn(userID, name)
	}
	return nil
}

// Unset removes a user's override so the default applies again.
func (s *Store) Unset(userID int64, name string) error {
	if _, ok := Lookup(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}

	s.mu.Lock()
	key := userKey(userID)
	if _, ok := s.users[key][name]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.users[key], name)
	if len(s.users[key]) == 0 {
		delete(s.users, key)
	}
	err := s.saveLocked()
	hooks := append([]ChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, fn := range hooks {
		fn(userID, name)
	}
	return nil
}

// Get returns the user's value for name, or the definition default when no
// override is stored. Unknown names return "".
func (s *Store) Get(userID int64, name string) string {
	def, ok := Lookup(name)
	if !ok {
		return ""
	}

	s.mu.Lock()
	v, stored := s.users[userKey(userID)][name]
	s.mu.Unlock()

	if stored {
		return v
	}
	return def.Default
}

// All returns the effective settings for a user: defaults overlaid with
// stored overrides. Secret settings are omitted.
func (s *Store) All(userID int64) map[string]string {
	s.mu.Lock()
	overrides := s.users[userKey(userID)]
	out := make(map[string]string, len(Known))
	for _, def := range Known {
		if def.Secret {
			continue
		}
		if v, ok := overrides[def.Name]; ok {
			out[def.Name] = v
		} else {
			out[def.Name] = def.Default
		}
	}
	s.mu.Unlock()
	return out
}

// Mode returns the user's processing mode, defaulting to note.
func (s *Store) Mode(userID int64) string {
	return s.Get(userID, NameMode)
}

// GitEnabled reports whether KB changes should be committed for the user.
func (s *Store) GitEnabled(userID int64) bool {
	v, _ := strconv.ParseBool(s.Get(userID, NameGitEnabled))
	return v
}

// LLMModel returns the user's model override, empty for the default.
func (s *Store) LLMModel(userID int64) string {
	return s.Get(userID, NameLLMModel)
}

// saveLocked persists the settings file atomically. Caller holds s.mu.
func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}

// normalize validates value against def and returns the canonical stored
// form.
func normalize(def Definition, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch def.Kind {
	case KindBool:
		b, err := strconv.ParseBool(strings.ToLower(value))
		if err != nil {
			return "", fmt.Errorf("%w: %s must be true or false", ErrInvalidValue, def.Name)
		}
		return strconv.FormatBool(b), nil
	case KindInt:
		if _, err := strconv.Atoi(value); err != nil {
			return "", fmt.Errorf("%w: %s must be an integer", ErrInvalidValue, def.Name)
		}
		return value, nil
	case KindFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return "", fmt.Errorf("%w: %s must be a number", ErrInvalidValue, def.Name)
		}
		return value, nil
	case KindEnum:
		lower := strings.ToLower(value)
		for _, allowed := range def.Enum {
			if lower == allowed {
				return lower, nil
			}
		}
		return "", fmt.Errorf("%w: %s must be one of %s",
			ErrInvalidValue, def.Name, strings.Join(def.Enum, ", "))
	default:
		return value, nil
	}
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

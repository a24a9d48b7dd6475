// Package config loads the bot's layered configuration: built-in defaults,
// then config.yaml, then .env, then real environment variables. Flags are
// applied by main on top of the loaded result.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kioku/common/environment"
)

// ErrConfig marks fatal configuration problems; main maps it to exit code 1.
var ErrConfig = errors.New("configuration error")

// Config is the bot's effective configuration.
type Config struct {
	// Matrix adapter. AccessToken is the single required credential.
	MatrixHomeserver  string   `yaml:"matrix_homeserver"`
	MatrixUserID      string   `yaml:"matrix_user_id"`
	MatrixAccessToken string   `yaml:"matrix_access_token"`
	MatrixRooms       []string `yaml:"matrix_rooms"`

	// Paths.
	DataDir string `yaml:"data_dir"`
	KBRoot  string `yaml:"kb_root"`

	// AllowedUsers is the numeric user allow-list. Empty means nobody is
	// heard, which is almost certainly a misconfiguration, so Load warns.
	AllowedUsers []int64 `yaml:"allowed_users"`

	// Hub. MCPHubURL switches to client-only mode; otherwise HubCommand is
	// spawned and supervised.
	MCPHubURL  string   `yaml:"mcp_hub_url"`
	HubCommand string   `yaml:"hub_command"`
	HubArgs    []string `yaml:"hub_args"`
	HubAddr    string   `yaml:"hub_addr"`

	// Memory storage type forwarded to the hub environment.
	StorageType string `yaml:"storage_type"`

	// Aggregation and rate limiting.
	GroupTimeout    time.Duration `yaml:"group_timeout"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`

	// Health monitoring.
	HealthInterval    time.Duration `yaml:"health_interval"`
	HealthMaxFailures int           `yaml:"health_max_failures"`
	HealthAddr        string        `yaml:"health_addr"`

	// Git.
	GitEnabled       bool   `yaml:"git_enabled"`
	GitFallbackToken string `yaml:"git_fallback_token"`

	// LLM backend for the agent.
	LLMAPIKey  string `yaml:"llm_api_key"`
	LLMBaseURL string `yaml:"llm_base_url"`
	LLMModel   string `yaml:"llm_model"`

	// Logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaults() Config {
	return Config{
		DataDir:           "data",
		KBRoot:            "knowledge_bases",
		HubCommand:        "shoko",
		HubAddr:           "127.0.0.1:8765",
		StorageType:       "json",
		GroupTimeout:      30 * time.Second,
		RateLimitMax:      10,
		RateLimitWindow:   time.Minute,
		HealthInterval:    60 * time.Second,
		HealthMaxFailures: 5,
		LLMModel:          "gpt-4o-mini",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load builds the effective configuration. path points at a YAML file; empty
// tries ./config.yaml and silently skips when absent.
func Load(path string) (Config, error) {
	cfg := defaults()

	if err := applyYAML(&cfg, path); err != nil {
		return Config{}, err
	}

	// .env fills gaps in the real environment without overriding it.
	_ = godotenv.Load()
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyYAML(cfg *Config, path string) error {
	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.MatrixHomeserver = environment.StringOr("MATRIX_HOMESERVER", cfg.MatrixHomeserver)
	cfg.MatrixUserID = environment.StringOr("MATRIX_USER_ID", cfg.MatrixUserID)
	cfg.MatrixAccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", cfg.MatrixAccessToken)
	cfg.MatrixRooms = environment.StringSliceOr("MATRIX_ROOMS", cfg.MatrixRooms)

	cfg.DataDir = environment.StringOr("KIOKU_DATA_DIR", cfg.DataDir)
	cfg.KBRoot = environment.StringOr("KIOKU_KB_ROOT", cfg.KBRoot)
	cfg.AllowedUsers = parseUserIDs(environment.StringSliceOr("KIOKU_ALLOWED_USERS", nil), cfg.AllowedUsers)

	cfg.MCPHubURL = environment.StringOr("MCP_HUB_URL", cfg.MCPHubURL)
	cfg.HubCommand = environment.StringOr("KIOKU_HUB_COMMAND", cfg.HubCommand)
	cfg.HubAddr = environment.StringOr("KIOKU_HUB_ADDR", cfg.HubAddr)
	cfg.StorageType = environment.StringOr("MEM_AGENT_STORAGE_TYPE", cfg.StorageType)

	cfg.GroupTimeout = environment.SecondsOr("MESSAGE_GROUP_TIMEOUT", cfg.GroupTimeout)
	cfg.RateLimitMax = environment.IntOr("RATE_LIMIT_MAX_REQUESTS", cfg.RateLimitMax)
	cfg.RateLimitWindow = environment.SecondsOr("RATE_LIMIT_WINDOW_SECONDS", cfg.RateLimitWindow)

	cfg.HealthInterval = environment.SecondsOr("HEALTH_CHECK_INTERVAL", cfg.HealthInterval)
	cfg.HealthMaxFailures = environment.IntOr("HEALTH_CHECK_MAX_FAILURES", cfg.HealthMaxFailures)
	cfg.HealthAddr = environment.StringOr("KIOKU_HEALTH_ADDR", cfg.HealthAddr)

	cfg.GitEnabled = environment.BoolOr("KIOKU_GIT_ENABLED", cfg.GitEnabled)
	cfg.GitFallbackToken = environment.StringOr("KIOKU_GIT_FALLBACK_TOKEN", cfg.GitFallbackToken)

	cfg.LLMAPIKey = environment.StringOr("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMBaseURL = environment.StringOr("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMModel = environment.StringOr("LLM_MODEL", cfg.LLMModel)

	cfg.LogLevel = environment.StringOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = environment.StringOr("LOG_FORMAT", cfg.LogFormat)
}

func (c Config) validate() error {
	if c.MatrixAccessToken == "" {
		return fmt.Errorf("%w: MATRIX_ACCESS_TOKEN is required", ErrConfig)
	}
	if c.MatrixHomeserver == "" {
		return fmt.Errorf("%w: MATRIX_HOMESERVER is required", ErrConfig)
	}
	if c.MatrixUserID == "" {
		return fmt.Errorf("%w: MATRIX_USER_ID is required", ErrConfig)
	}
	switch c.StorageType {
	case "json", "vector", "mem-agent":
	default:
		return fmt.Errorf("%w: MEM_AGENT_STORAGE_TYPE must be json, vector or mem-agent; got %q",
			ErrConfig, c.StorageType)
	}
	return nil
}

func parseUserIDs(raw []string, fallback []int64) []int64 {
	if len(raw) == 0 {
		return fallback
	}
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		var id int64
		if _, err := fmt.Sscanf(s, "%d", &id); err == nil && id != 0 {
			out = append(out, id)
		}
	}
	return out
}

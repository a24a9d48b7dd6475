// Package config loads the hub's layered configuration: defaults, then
// config.yaml, then .env, then real environment variables. Flags are applied
// by main on top of the loaded result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kioku/common/environment"
	"github.com/bdobrica/Kioku/internal/shoko/vecstore"
)

// ErrConfig marks fatal configuration problems; main maps it to exit code 1.
var ErrConfig = errors.New("configuration error")

// Config is the hub's effective configuration.
type Config struct {
	// Addr is the SSE listen address.
	Addr string `yaml:"addr"`

	// Stdio serves MCP on stdin/stdout instead of HTTP.
	Stdio bool `yaml:"stdio"`

	// SkipConfigGen suppresses the startup client-config write.
	SkipConfigGen bool `yaml:"skip_config_gen"`

	// Paths.
	DataDir string `yaml:"data_dir"`
	KBRoot  string `yaml:"kb_root"`
	DBPath  string `yaml:"db_path"`

	// Memory backend: json, vector or mem-agent.
	StorageType string `yaml:"storage_type"`

	// Vector store: sqlite or qdrant.
	VectorStore  string `yaml:"vector_store"`
	QdrantURL    string `yaml:"qdrant_url"`
	QdrantAPIKey string `yaml:"qdrant_api_key"`

	// Embeddings (OpenAI-compatible endpoint).
	EmbeddingBaseURL string `yaml:"embedding_base_url"`
	EmbeddingModel   string `yaml:"embedding_model"`
	EmbeddingAPIKey  string `yaml:"embedding_api_key"`

	// LLM backend for the mem-agent storage type.
	LLMAPIKey  string `yaml:"llm_api_key"`
	LLMBaseURL string `yaml:"llm_base_url"`
	LLMModel   string `yaml:"llm_model"`

	// Logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaults() Config {
	return Config{
		Addr:        ":8765",
		DataDir:     "data",
		KBRoot:      "knowledge_bases",
		StorageType: "json",
		VectorStore: vecstore.KindSQLite,
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// Load builds the effective configuration. path points at a YAML file; empty
// tries ./config.yaml and silently skips when absent.
func Load(path string) (Config, error) {
	cfg := defaults()

	if err := applyYAML(&cfg, path); err != nil {
		return Config{}, err
	}

	_ = godotenv.Load()
	applyEnv(&cfg)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "shoko.db")
	}

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
	cfg.Addr = environment.StringOr("SHOKO_ADDR", cfg.Addr)
	cfg.DataDir = environment.StringOr("SHOKO_DATA_DIR", cfg.DataDir)
	cfg.KBRoot = environment.StringOr("SHOKO_KB_ROOT", cfg.KBRoot)
	cfg.DBPath = environment.StringOr("SHOKO_DB_PATH", cfg.DBPath)

	cfg.StorageType = environment.StringOr("MEM_AGENT_STORAGE_TYPE", cfg.StorageType)

	cfg.VectorStore = environment.StringOr("VECTOR_STORE", cfg.VectorStore)
	cfg.QdrantURL = environment.StringOr("QDRANT_URL", cfg.QdrantURL)
	cfg.QdrantAPIKey = environment.StringOr("QDRANT_API_KEY", cfg.QdrantAPIKey)

	cfg.EmbeddingBaseURL = environment.StringOr("EMBEDDING_BASE_URL", cfg.EmbeddingBaseURL)
	cfg.EmbeddingModel = environment.StringOr("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.EmbeddingAPIKey = environment.StringOr("EMBEDDING_API_KEY", cfg.EmbeddingAPIKey)

	cfg.LLMAPIKey = environment.StringOr("LLM_API_KEY", cfg.LLMAPIKey)
	cfg.LLMBaseURL = environment.StringOr("LLM_BASE_URL", cfg.LLMBaseURL)
	cfg.LLMModel = environment.StringOr("LLM_MODEL", cfg.LLMModel)

	cfg.LogLevel = environment.StringOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = environment.StringOr("LOG_FORMAT", cfg.LogFormat)
}

func (c Config) validate() error {
	switch c.StorageType {
	case "json", "vector", "mem-agent":
	default:
		return fmt.Errorf("%w: MEM_AGENT_STORAGE_TYPE must be json, vector or mem-agent; got %q",
			ErrConfig, c.StorageType)
	}
	switch c.VectorStore {
	case vecstore.KindSQLite, vecstore.KindQdrant:
	default:
		return fmt.Errorf("%w: VECTOR_STORE must be sqlite or qdrant; got %q", ErrConfig, c.VectorStore)
	}
	if c.VectorStore == vecstore.KindQdrant && c.QdrantURL == "" {
		return fmt.Errorf("%w: VECTOR_STORE=qdrant requires QDRANT_URL", ErrConfig)
	}
	return nil
}

// SSEURL derives the advertised SSE endpoint from the listen address.
// Wildcard hosts are rewritten to loopback: that is where local clients
// will actually reach the hub.
func (c Config) SSEURL() string {
	host, port := splitAddr(c.Addr)
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s/sse", host, port)
}

func splitAddr(addr string) (host, port string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, "8765"
}

// Package app assembles the Shoko hub: storage backends, the vector index
// engine, the MCP server and its transports.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bdobrica/Kioku/common/llm"
	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/shoko/config"
	"github.com/bdobrica/Kioku/internal/shoko/embed"
	"github.com/bdobrica/Kioku/internal/shoko/index"
	"github.com/bdobrica/Kioku/internal/shoko/jobs"
	"github.com/bdobrica/Kioku/internal/shoko/memory"
	"github.com/bdobrica/Kioku/internal/shoko/registry"
	"github.com/bdobrica/Kioku/internal/shoko/server"
	"github.com/bdobrica/Kioku/internal/shoko/vecstore"
)

// App owns the hub's components and their shutdown order.
type App struct {
	cfg config.Config

	vectors vecstore.Store
	servers *registry.Registry
	mem     memory.Storage
	engine  *index.Engine
	hub     *server.Hub
	http    *server.HTTPServer
}

// New wires the hub from configuration.
func New(cfg config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	vectors, err := vecstore.New(vecstore.FactoryConfig{
		Kind:         cfg.VectorStore,
		SQLitePath:   filepath.Join(cfg.DataDir, "vectors.db"),
		QdrantURL:    cfg.QdrantURL,
		QdrantAPIKey: cfg.QdrantAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}

	servers, err := registry.New(cfg.DBPath)
	if err != nil {
		vectors.Close()
		return nil, fmt.Errorf("server registry: %w", err)
	}

	embedder := buildEmbedder(cfg)
	provider := buildProvider(cfg)

	mem, err := memory.New(memory.FactoryConfig{
		Type:     cfg.StorageType,
		DataDir:  cfg.DataDir,
		Embedder: embedder,
		Vectors:  vectors,
		Provider: provider,
		Model:    cfg.LLMModel,
	})
	if err != nil {
		servers.Close()
		vectors.Close()
		return nil, fmt.Errorf("memory storage: %w", err)
	}

	jobReg := jobs.NewRegistry()
	engine := index.New(cfg.KBRoot, embedder, vectors, jobReg)
	hub := server.NewHub(mem, engine, jobReg, servers, cfg.SSEURL())

	return &App{
		cfg:     cfg,
		vectors: vectors,
		servers: servers,
		mem:     mem,
		engine:  engine,
		hub:     hub,
		http:    server.NewHTTPServer(hub, cfg.Addr),
	}, nil
}

// buildEmbedder returns the OpenAI-compatible embedder when an endpoint or
// key is configured, the no-op embedder otherwise. With the no-op embedder
// vector search reports itself unavailable instead of failing at startup.
func buildEmbedder(cfg config.Config) embed.Embedder {
	if cfg.EmbeddingBaseURL == "" && cfg.EmbeddingAPIKey == "" {
		slog.Warn("no embedding endpoint configured; vector search disabled")
		return embed.Noop{}
	}
	return embed.NewOpenAI(embed.OpenAIConfig{
		APIKey:  cfg.EmbeddingAPIKey,
		BaseURL: cfg.EmbeddingBaseURL,
		Model:   cfg.EmbeddingModel,
	})
}

// buildProvider returns the LLM provider for the mem-agent backend, nil
// when unconfigured.
func buildProvider(cfg config.Config) llm.Provider {
	if cfg.LLMAPIKey == "" && cfg.LLMBaseURL == "" {
		return nil
	}
	return llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
	})
}

// Run serves until ctx is cancelled: stdio mode speaks MCP on the process
// pipes, otherwise the SSE server listens on the configured address.
func (a *App) Run(ctx context.Context) error {
	slog.Info("shoko starting", "version", version.Version,
		"storage", a.cfg.StorageType, "vector_store", a.cfg.VectorStore,
		"stdio", a.cfg.Stdio)

	if !a.cfg.SkipConfigGen {
		path, err := a.hub.WriteClientConfig(a.cfg.DataDir)
		if err != nil {
			slog.Warn("could not write client config", "err", err)
		} else {
			slog.Info("client config written", "path", path)
		}
	}

	if a.cfg.Stdio {
		return a.hub.ServeStdio(ctx, os.Stdin, os.Stdout)
	}

	if err := a.http.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Close releases resources in reverse dependency order.
func (a *App) Close() {
	a.http.Stop()
	a.engine.Wait()
	if err := a.mem.Close(); err != nil {
		slog.Warn("memory close", "err", err)
	}
	a.servers.Close()
	// The memory backend may share the vector store; Close is idempotent
	// for both implementations.
	a.vectors.Close()
}

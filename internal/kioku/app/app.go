// Package app assembles the Kioku bot: storage, the hub supervisor and
// client, per-user components, the router, and the Matrix adapter.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bdobrica/Kioku/common/crypto"
	"github.com/bdobrica/Kioku/common/llm"
	"github.com/bdobrica/Kioku/common/mcpwire"
	"github.com/bdobrica/Kioku/common/retry"
	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/agent"
	"github.com/bdobrica/Kioku/internal/kioku/aggregator"
	"github.com/bdobrica/Kioku/internal/kioku/bus"
	"github.com/bdobrica/Kioku/internal/kioku/config"
	"github.com/bdobrica/Kioku/internal/kioku/creds"
	"github.com/bdobrica/Kioku/internal/kioku/gitops"
	"github.com/bdobrica/Kioku/internal/kioku/kb"
	"github.com/bdobrica/Kioku/internal/kioku/matrix"
	"github.com/bdobrica/Kioku/internal/kioku/mcp"
	"github.com/bdobrica/Kioku/internal/kioku/ratelimit"
	"github.com/bdobrica/Kioku/internal/kioku/reindex"
	"github.com/bdobrica/Kioku/internal/kioku/router"
	"github.com/bdobrica/Kioku/internal/kioku/services"
	"github.com/bdobrica/Kioku/internal/kioku/settings"
	"github.com/bdobrica/Kioku/internal/kioku/supervisor"
	"github.com/bdobrica/Kioku/internal/kioku/usercache"
	"github.com/bdobrica/Kioku/internal/kioku/watcher"
)

// connectTimeout bounds the initial hub connection, retries included.
const connectTimeout = 60 * time.Second

// App owns the bot's components and their shutdown order.
type App struct {
	cfg config.Config

	db       *sql.DB
	settings *settings.Store
	creds    *creds.Store
	kb       *kb.Manager
	bus      *bus.Bus
	git      *gitops.Ops
	cache    *usercache.Cache
	router   *router.Router
	matrix   *matrix.Client
	sup      *supervisor.Supervisor
	hub      *mcp.Client

	reindex *reindex.Manager
	watcher *watcher.Watcher
	health  *http.Server

	fatal chan error
}

// New wires the bot from configuration. The hub is not started and Matrix is
// not connected until Run.
func New(cfg config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.KBRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create kb root: %w", err)
	}
	if len(cfg.AllowedUsers) == 0 {
		slog.Warn("allowed users list is empty; every message will be ignored")
	}

	db, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "kioku.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	key, err := crypto.LoadOrCreateKey(filepath.Join(cfg.DataDir, "credentials.key"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	credStore, err := creds.New(filepath.Join(cfg.DataDir, "credentials.json"), key)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open credentials store: %w", err)
	}

	settingsStore, err := settings.New(filepath.Join(cfg.DataDir, "settings.json"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open settings store: %w", err)
	}

	kbMgr, err := kb.NewManager(cfg.KBRoot, filepath.Join(cfg.DataDir, "kb_config.json"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open kb manager: %w", err)
	}

	eventBus := bus.New()

	var git *gitops.Ops
	if cfg.GitEnabled {
		fallback := map[string]creds.Credential{}
		if cfg.GitFallbackToken != "" {
			fallback["github"] = creds.Credential{Token: cfg.GitFallbackToken}
		}
		git = gitops.New(gitops.Config{
			Creds:    credStore,
			Fallback: fallback,
			Bus:      eventBus,
		})
	}

	sup := supervisor.New(supervisor.Config{
		HubURL:           cfg.MCPHubURL,
		Command:          cfg.HubCommand,
		Args:             cfg.HubArgs,
		Addr:             cfg.HubAddr,
		ClientConfigPath: filepath.Join(cfg.DataDir, "mcp", "client_config.json"),
		MaxFailures:      cfg.HealthMaxFailures,
	})

	hub := mcp.NewClient("mcp-hub", mcpwire.ServerConfig{
		URL:     sup.SSEURL(),
		Timeout: 10000,
		Trust:   true,
	})

	provider := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
	})

	matrixClient, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.MatrixHomeserver,
		UserID:      cfg.MatrixUserID,
		AccessToken: cfg.MatrixAccessToken,
		Rooms:       cfg.MatrixRooms,
		DB:          db,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create matrix client: %w", err)
	}

	a := &App{
		cfg:      cfg,
		db:       db,
		settings: settingsStore,
		creds:    credStore,
		kb:       kbMgr,
		bus:      eventBus,
		git:      git,
		matrix:   matrixClient,
		sup:      sup,
		hub:      hub,
		fatal:    make(chan error, 1),
	}

	a.cache = usercache.New(func(ctx context.Context, userID int64) (*usercache.Entry, error) {
		model := settingsStore.LLMModel(userID)
		if model == "" {
			model = cfg.LLMModel
		}
		return &usercache.Entry{
			Aggregator: aggregator.New(
				aggregator.Config{GroupTimeout: cfg.GroupTimeout},
				func(group *aggregator.Group) { a.router.DispatchGroup(group) },
			),
			Agent: agent.NewLLMAgent(agent.Config{
				Provider: provider,
				Hub:      hub,
				Model:    model,
			}),
		}, nil
	})

	// Per-user settings feed the cached agent; a change invalidates the
	// entry so the next message rebuilds with the new values.
	settingsStore.OnChange(func(userID int64, name string) {
		a.cache.Invalidate(userID)
	})

	deps := services.Deps{
		Sender:   matrixClient,
		Limiter:  ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		Cache:    a.cache,
		KB:       kbMgr,
		Git:      git,
		Settings: settingsStore,
	}

	a.router = router.New(router.Config{
		AllowedUsers: cfg.AllowedUsers,
		Sender:       matrixClient,
		KB:           kbMgr,
		Cache:        a.cache,
		Settings:     settingsStore,
		Creds:        credStore,
		Note:         services.NewNoteService(deps),
		Ask:          services.NewAskService(deps),
		Task:         services.NewTaskService(deps),
	})

	return a, nil
}

// Run starts the hub, connects to it, brings the watcher and reindex loops
// up, and syncs Matrix until ctx is cancelled or the hub is declared dead.
func (a *App) Run(ctx context.Context) error {
	slog.Info("kioku starting", "version", version.Version,
		"hub_mode", a.sup.HubMode(), "storage", a.cfg.StorageType,
		"allowed_users", len(a.cfg.AllowedUsers))

	// The hub subprocess inherits the environment; forwarding the storage
	// type keeps both binaries on the same memory backend.
	if !a.sup.HubMode() {
		_ = os.Setenv("MEM_AGENT_STORAGE_TYPE", a.cfg.StorageType)
	}

	if err := a.sup.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	if err := a.connectHub(ctx); err != nil {
		return fmt.Errorf("connect hub: %w", err)
	}

	a.reindex = reindex.New(reindex.Config{}, a.hub, a.bus, a.resolveKB)

	w, err := watcher.New(a.cfg.KBRoot, a.bus, a.userForPath)
	if err != nil {
		return fmt.Errorf("start kb watcher: %w", err)
	}
	a.watcher = w

	if a.cfg.HealthAddr != "" {
		if err := a.startHealthServer(); err != nil {
			return err
		}
	}
	go a.monitorHub(ctx)

	if err := a.matrix.Start(ctx, a.router); err != nil {
		return fmt.Errorf("start matrix client: %w", err)
	}
	slog.Info("kioku ready")

	select {
	case <-ctx.Done():
		return nil
	case err := <-a.sup.Fatal():
		return err
	case err := <-a.fatal:
		return err
	}
}

// connectHub dials the hub's SSE endpoint, retrying with back-off inside a
// fixed budget. The supervisor has already seen /health answer, but the SSE
// stream can lag a moment behind it.
func (a *App) connectHub(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	backoff := &retry.Backoff{Initial: time.Second, Cap: 10 * time.Second}
	for {
		err := a.hub.Connect(ctx)
		if err == nil {
			slog.Info("connected to mcp hub", "url", a.sup.SSEURL())
			return nil
		}
		delay := backoff.Next()
		slog.Warn("hub connection failed; retrying", "err", err, "in", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("hub unreachable at %s: %w", a.sup.SSEURL(), err)
		case <-time.After(delay):
		}
	}
}

// monitorHub pings the hub on the health interval. A budget of consecutive
// failures surfaces as a fatal error; the supervisor's crash monitor covers
// process death, this covers a hub that is up but unresponsive.
func (a *App) monitorHub(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := a.hub.Ping(ctx); err != nil {
			failures++
			slog.Warn("hub health check failed", "err", err, "consecutive_failures", failures)
			if failures >= a.cfg.HealthMaxFailures {
				select {
				case a.fatal <- fmt.Errorf("hub unresponsive after %d health checks: %w",
					failures, supervisor.ErrHubUnavailable):
				default:
				}
				return
			}
			continue
		}
		if failures > 0 {
			slog.Info("hub health recovered", "after_failures", failures)
		}
		failures = 0
	}
}

// startHealthServer exposes GET /healthz for container probes.
func (a *App) startHealthServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{"status": "healthy", "version": version.Version}
		if err := a.hub.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			status["status"] = "degraded"
			status["hub_error"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	ln, err := net.Listen("tcp", a.cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}
	a.health = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second}
	slog.Info("health endpoint listening", "addr", ln.Addr().String())
	go func() {
		if err := a.health.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server error", "err", err)
		}
	}()
	return nil
}

// resolveKB maps a bus event to the hub-side knowledge base ID: the KB
// directory path relative to the KB root.
func (a *App) resolveKB(evt bus.Event) (string, bool) {
	if evt.UserID != 0 {
		if cfg, ok := a.kb.Config(evt.UserID); ok {
			return fmt.Sprintf("user_%d/%s", evt.UserID, cfg.KBName), true
		}
	}

	path := evt.Path
	if path == "" && len(evt.Paths) > 0 {
		path = evt.Paths[0]
	}
	if path == "" {
		return "", false
	}
	rel, err := filepath.Rel(a.cfg.KBRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "user_") {
		return "", false
	}
	return parts[0] + "/" + parts[1], true
}

// userForPath extracts the owning user from a KB path: the first component
// under the KB root is user_<id>.
func (a *App) userForPath(path string) int64 {
	rel, err := filepath.Rel(a.cfg.KBRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return 0
	}
	first := strings.Split(filepath.ToSlash(rel), "/")[0]
	id, err := strconv.ParseInt(strings.TrimPrefix(first, "user_"), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Close shuts components down in reverse dependency order: stop message
// intake, drain in-flight work, then tear the hub down.
func (a *App) Close() {
	a.matrix.Stop()
	if a.health != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.health.Shutdown(shutdownCtx)
		cancel()
	}

	// Stopping the aggregators flushes pending groups into the router.
	a.cache.InvalidateAll()
	a.router.Wait()

	if a.reindex != nil {
		a.reindex.Stop()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}

	if err := a.hub.Close(); err != nil {
		slog.Warn("hub client close", "err", err)
	}
	a.sup.Stop()

	if err := a.db.Close(); err != nil {
		slog.Warn("database close", "err", err)
	}
}

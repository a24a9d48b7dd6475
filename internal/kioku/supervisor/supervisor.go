// Package supervisor manages the Shoko hub process from the bot's side.
// With MCP_HUB_URL set the bot is a pure client and the supervisor does
// nothing but report that URL. Otherwise it writes the client config, spawns
// the hub as a subprocess, waits for readiness, and restarts it with
// exponential back-off when it dies. Five consecutive failures stop the
// restart loop and surface a fatal error.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/bdobrica/Kioku/common/mcpwire"
	"github.com/bdobrica/Kioku/common/retry"
)

const (
	defaultMaxFailures = 5
	defaultHubAddr     = "127.0.0.1:8765"
	readyTimeout       = 30 * time.Second
	readyPollInterval  = 250 * time.Millisecond
	stopGrace          = 5 * time.Second
)

// ErrHubUnavailable is surfaced on the fatal channel after the restart
// budget is exhausted.
var ErrHubUnavailable = errors.New("mcp hub failed too many times; manual intervention required")

// Config describes how to run or reach the hub.
type Config struct {
	// HubURL, when non-empty, switches to hub mode: nothing is spawned and
	// no files are written. Taken from MCP_HUB_URL.
	HubURL string

	// Command and Args spawn the hub in standalone mode.
	Command string
	Args    []string

	// Addr is the hub listen address in standalone mode.
	Addr string

	// ClientConfigPath is where the standard client config file is written
	// in standalone mode. Empty skips the write.
	ClientConfigPath string

	// MaxFailures is the consecutive-crash budget. Default 5.
	MaxFailures int
}

// Supervisor runs the hub lifecycle.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool

	backoff *retry.Backoff
	fatal   chan error
	done    chan struct{}
}

// New builds a supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Addr == "" {
		cfg.Addr = defaultHubAddr
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	return &Supervisor{
		cfg:     cfg,
		backoff: &retry.Backoff{},
		fatal:   make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// HubMode reports whether an external hub URL is configured.
func (s *Supervisor) HubMode() bool { return s.cfg.HubURL != "" }

// SSEURL returns the hub's SSE endpoint for the active mode.
func (s *Supervisor) SSEURL() string {
	if s.cfg.HubURL != "" {
		return s.cfg.HubURL
	}
	return "http://" + s.cfg.Addr + "/sse"
}

// Fatal delivers at most one error: the supervisor giving up on the hub.
func (s *Supervisor) Fatal() <-chan error { return s.fatal }

// Start brings the hub up. In hub mode it only verifies reachability. In
// standalone mode it writes the client config, spawns the subprocess, waits
// for /health, and starts the crash monitor.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.HubMode() {
		slog.Info("hub mode: using external mcp hub", "url", s.cfg.HubURL)
		close(s.done)
		return nil
	}

	if s.cfg.Command == "" {
		return errors.New("standalone mode requires a hub command")
	}

	if err := s.writeClientConfig(); err != nil {
		return err
	}
	if err := s.spawn(ctx); err != nil {
		return err
	}
	if err := s.waitReady(ctx); err != nil {
		s.Stop()
		return err
	}

	go s.monitor(ctx)
	return nil
}

// Stop terminates the hub subprocess: SIGTERM, then kill after a grace
// period. No-op in hub mode.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.done:
	case <-time.After(stopGrace):
		slog.Warn("hub did not exit in time; killing")
		_ = cmd.Process.Kill()
		<-s.done
	}
}

func (s *Supervisor) spawn(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "SHOKO_ADDR="+s.cfg.Addr)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn hub: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	slog.Info("hub subprocess started", "pid", cmd.Process.Pid, "addr", s.cfg.Addr)
	return nil
}

// monitor restarts the hub on unexpected exit. The back-off doubles from 5s
// to a 300s cap; a successful readiness check resets it and the failure
// count.
func (s *Supervisor) monitor(ctx context.Context) {
	defer close(s.done)

	failures := 0

	for {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()

		err := cmd.Wait()

		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}

		failures++
		slog.Error("hub exited unexpectedly", "err", err, "consecutive_failures", failures)
		if failures >= s.cfg.MaxFailures {
			s.fatal <- ErrHubUnavailable
			return
		}

		// Retry spawning here rather than falling through to Wait: the old
		// process has already been reaped, so each failed spawn counts as its
		// own failure and only a fresh process is ever waited on.
		spawned := false
		for !spawned {
			delay := s.backoff.Next()
			slog.Info("restarting hub", "in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			if err := s.spawn(ctx); err != nil {
				failures++
				slog.Error("hub restart failed", "err", err, "consecutive_failures", failures)
				if failures >= s.cfg.MaxFailures {
					s.fatal <- ErrHubUnavailable
					return
				}
				continue
			}
			spawned = true
		}

		if err := s.waitReady(ctx); err != nil {
			slog.Error("hub not healthy after restart", "err", err)
			continue
		}
		failures = 0
		s.backoff.Reset()
	}
}

// waitReady polls GET /health until the hub answers 200.
func (s *Supervisor) waitReady(ctx context.Context) error {
	healthURL := "http://" + s.cfg.Addr + "/health"
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(readyTimeout)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := client.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(readyPollInterval)
	}
	return fmt.Errorf("hub not ready at %s within %s", healthURL, readyTimeout)
}

// writeClientConfig materializes the standard client config so downstream
// tools can find the hub.
func (s *Supervisor) writeClientConfig() error {
	if s.cfg.ClientConfigPath == "" {
		return nil
	}

	cfg := StandardClientConfig(s.SSEURL())
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal client config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.ClientConfigPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(s.cfg.ClientConfigPath, raw, 0o644); err != nil {
		return fmt.Errorf("write client config: %w", err)
	}
	return nil
}

// StandardClientConfig is the canonical single-hub client configuration.
func StandardClientConfig(sseURL string) mcpwire.ClientConfig {
	return mcpwire.ClientConfig{
		MCPServers: map[string]mcpwire.ServerConfig{
			"mcp-hub": {
				URL:         sseURL,
				Timeout:     10000,
				Trust:       true,
				Description: "Shoko memory and retrieval hub",
			},
		},
		AllowMCPServers: []string{"mcp-hub"},
	}
}

// Package registry persists the catalog of external MCP servers the hub
// knows about.
package registry

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/bdobrica/Kioku/common/mcpwire"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a server name is not registered.
var ErrNotFound = errors.New("mcp server not found")

// Server is one registry entry: a named server configuration plus its
// enabled flag.
type Server struct {
	Name      string               `json:"name"`
	Config    mcpwire.ServerConfig `json:"config"`
	Enabled   bool                 `json:"enabled"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Registry wraps the SQLite connection holding the server catalog.
type Registry struct {
	db *sql.DB
}

// New opens (or creates) the registry database at dbPath and runs all
// pending migrations.
func New(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite is single-writer by design. One shared connection serializes
	// concurrent callers in database/sql instead of tripping write locks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	r := &Registry{db: db}
	if err := r.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return r, nil
}

// Close closes the underlying database connection.
func (r *Registry) Close() error { return r.db.Close() }

// List returns every registered server ordered by name.
func (r *Registry) List() ([]Server, error) {
	rows, err := r.db.Query(`
		SELECT name, url, command, args_json, cwd, env_json, timeout_ms, trust,
		       description, enabled, created_at, updated_at
		FROM mcp_servers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// Get returns one server by name.
func (r *Registry) Get(name string) (Server, error) {
	row := r.db.QueryRow(`
		SELECT name, url, command, args_json, cwd, env_json, timeout_ms, trust,
		       description, enabled, created_at, updated_at
		FROM mcp_servers WHERE name = ?`, name)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Server{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return srv, err
}

// Register upserts a server configuration. New entries start enabled; a
// re-registration keeps the existing enabled flag.
func (r *Registry) Register(name string, cfg mcpwire.ServerConfig) (Server, error) {
	if strings.TrimSpace(name) == "" {
		return Server{}, errors.New("server name is required")
	}
	if cfg.URL == "" && cfg.Command == "" {
		return Server{}, errors.New("server needs a url or a command")
	}

	argsJSON, err := json.Marshal(orEmpty(cfg.Args))
	if err != nil {
		return Server{}, fmt.Errorf("encode args: %w", err)
	}
	envJSON, err := json.Marshal(orEmptyMap(cfg.Env))
	if err != nil {
		return Server{}, fmt.Errorf("encode env: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO mcp_servers (name, url, command, args_json, cwd, env_json,
		                         timeout_ms, trust, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url         = excluded.url,
			command     = excluded.command,
			args_json   = excluded.args_json,
			cwd         = excluded.cwd,
			env_json    = excluded.env_json,
			timeout_ms  = excluded.timeout_ms,
			trust       = excluded.trust,
			description = excluded.description,
			updated_at  = CURRENT_TIMESTAMP`,
		name, cfg.URL, cfg.Command, string(argsJSON), cfg.Cwd, string(envJSON),
		cfg.Timeout, boolInt(cfg.Trust), cfg.Description,
	)
	if err != nil {
		return Server{}, err
	}

	srv, err := r.Get(name)
	if err != nil {
		return Server{}, err
	}
	slog.Info("mcp server registered", "name", name, "transport", cfg.Transport())
	return srv, nil
}

// Enable marks a server enabled.
func (r *Registry) Enable(name string) error { return r.setEnabled(name, true) }

// Disable marks a server disabled without removing it.
func (r *Registry) Disable(name string) error { return r.setEnabled(name, false) }

func (r *Registry) setEnabled(name string, enabled bool) error {
	res, err := r.db.Exec(
		"UPDATE mcp_servers SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?",
		boolInt(enabled), name,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (Server, error) {
	var (
		srv      Server
		argsJSON string
		envJSON  string
		trust    int
		enabled  int
	)
	err := row.Scan(&srv.Name, &srv.Config.URL, &srv.Config.Command, &argsJSON,
		&srv.Config.Cwd, &envJSON, &srv.Config.Timeout, &trust,
		&srv.Config.Description, &enabled, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return Server{}, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &srv.Config.Args); err != nil {
		return Server{}, fmt.Errorf("decode args for %s: %w", srv.Name, err)
	}
	if err := json.Unmarshal([]byte(envJSON), &srv.Config.Env); err != nil {
		return Server{}, fmt.Errorf("decode env for %s: %w", srv.Name, err)
	}
	if len(srv.Config.Args) == 0 {
		srv.Config.Args = nil
	}
	if len(srv.Config.Env) == 0 {
		srv.Config.Env = nil
	}
	srv.Config.Trust = trust != 0
	srv.Enabled = enabled != 0
	return srv, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// runMigrations applies any SQL files not yet recorded in schema_migrations.
func (r *Registry) runMigrations() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	_ = r.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		tx, err := r.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			version, description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", e.Name(), err)
		}
		slog.Info("applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}
	return nil
}

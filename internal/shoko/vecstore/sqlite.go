package vecstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore keeps vectors in a local SQLite file with brute-force cosine
// ranking in Go. modernc.org/sqlite cannot load a similarity extension, and
// at the scale of a personal KB (hundreds to low-thousands of chunks per
// collection) loading the collection and scoring in Go is fast enough.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the vector database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}

	// SQLite is single-writer; one shared connection serializes callers in
	// database/sql instead of surfacing busy errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			vector     BLOB NOT NULL,
			payload    BLOB,
			PRIMARY KEY (collection, id)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create vectors table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, collection string, points []Point) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO vectors (collection, id, vector, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		vecJSON, err := json.Marshal(p.Vector)
		if err != nil {
			return fmt.Errorf("marshal vector %s: %w", p.ID, err)
		}
		var payloadJSON []byte
		if len(p.Payload) > 0 {
			payloadJSON, err = json.Marshal(p.Payload)
			if err != nil {
				return fmt.Errorf("marshal payload %s: %w", p.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, collection, p.ID, vecJSON, payloadJSON); err != nil {
			return fmt.Errorf("upsert %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vector, payload FROM vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", collection, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id string
		var vecJSON, payloadJSON []byte
		if err := rows.Scan(&id, &vecJSON, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal(vecJSON, &vec); err != nil {
			continue
		}
		hit := Hit{ID: id, Score: Cosine(vector, vec)}
		if len(payloadJSON) > 0 {
			_ = json.Unmarshal(payloadJSON, &hit.Payload)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ?`, collection)
		if err != nil {
			return fmt.Errorf("drop collection %s: %w", collection, err)
		}
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM vectors WHERE collection = ? AND id = ?`, collection, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vectors WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count collection %s: %w", collection, err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ Store = (*SQLiteStore)(nil)

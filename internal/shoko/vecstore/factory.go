package vecstore

import "fmt"

// Store kinds accepted by the factory.
const (
	KindSQLite = "sqlite"
	KindQdrant = "qdrant"
)

// FactoryConfig selects and configures a store implementation.
type FactoryConfig struct {
	// Kind is sqlite or qdrant. Empty defaults to sqlite.
	Kind string

	// SQLitePath is the database file for the sqlite kind.
	SQLitePath string

	// QdrantURL and QdrantAPIKey configure the qdrant kind.
	QdrantURL    string
	QdrantAPIKey string
}

// New builds the configured store.
func New(cfg FactoryConfig) (Store, error) {
	switch cfg.Kind {
	case KindSQLite, "":
		return NewSQLite(cfg.SQLitePath)
	case KindQdrant:
		if cfg.QdrantURL == "" {
			return nil, fmt.Errorf("%w: qdrant requires QDRANT_URL", ErrUnknownStore)
		}
		return NewQdrant(cfg.QdrantURL, cfg.QdrantAPIKey), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Kind)
	}
}

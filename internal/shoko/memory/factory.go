package memory

import (
	"fmt"

	"github.com/bdobrica/Kioku/common/llm"
	"github.com/bdobrica/Kioku/internal/shoko/embed"
	"github.com/bdobrica/Kioku/internal/shoko/vecstore"
)

// FactoryConfig selects and wires a storage backend.
type FactoryConfig struct {
	// Type is json, vector or mem-agent (MEM_AGENT_STORAGE_TYPE). Empty
	// defaults to json.
	Type string

	// DataDir roots the per-user memory directories.
	DataDir string

	// Embedder and Vectors back the vector type.
	Embedder embed.Embedder
	Vectors  vecstore.Store

	// Provider and Model back the mem-agent type.
	Provider llm.Provider
	Model    string
}

// New builds the configured backend. An unknown type is a configuration
// error surfaced at startup.
func New(cfg FactoryConfig) (Storage, error) {
	switch cfg.Type {
	case TypeJSON, "":
		return NewJSON(cfg.DataDir), nil
	case TypeVector:
		if cfg.Vectors == nil {
			return nil, fmt.Errorf("%w: vector storage needs a vector store", ErrUnknownType)
		}
		embedder := cfg.Embedder
		if embedder == nil {
			embedder = embed.Noop{}
		}
		return NewVector(NewJSON(cfg.DataDir), embedder, cfg.Vectors), nil
	case TypeMemAgent:
		return NewAgent(cfg.DataDir, cfg.Provider, cfg.Model, NewJSON(cfg.DataDir)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}

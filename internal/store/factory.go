package store

import (
	"fmt"
	"log/slog"
)

// Backend identifiers accepted by Open.
const (
	BackendQdrant = "qdrant"
	BackendLocal  = "local"
)

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is "qdrant" or "local".
	Backend string

	// QdrantURL is the Qdrant HTTP API base URL (qdrant backend only).
	QdrantURL string

	// DataDir is where the local backend keeps its files.
	DataDir string

	// RRFConstant overrides the hybrid fusion smoothing parameter.
	// Zero keeps the default.
	RRFConstant int
}

// Open constructs the configured backend.
func Open(cfg Config, logger *slog.Logger) (VectorStore, error) {
	switch cfg.Backend {
	case BackendQdrant:
		return NewQdrantStore(cfg.QdrantURL, logger, WithRRFConstant(cfg.RRFConstant)), nil
	case BackendLocal:
		return NewLocalStore(cfg.DataDir, logger)
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
	}
}

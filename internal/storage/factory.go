package storage

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
)

// Store backends accepted by Open. An empty kind selects BackendMemory.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Open creates the report store named by kind and initialises it. path is
// the database file of the sqlite backend.
func Open(ctx context.Context, kind, path string, logger *log.Logger) (Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	var store Store
	switch kind {
	case "", BackendMemory:
		kind = BackendMemory
		store = NewMemoryStore()
	case BackendSQLite:
		store = NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", kind)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("open %s store: %w", kind, err)
	}
	logger.Debug("report store ready", "backend", kind, "path", path)
	return store, nil
}

// Close releases the store's resources. Backends without any are left as
// they are.
func Close(store Store) error {
	if c, ok := store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Package sqlite registers the "state.sqlite" component backed by
// mattn/go-sqlite3.
package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/internal/runtime/state/sqlstore"
)

// ComponentType is the manifest type of this driver.
const ComponentType = "state.sqlite"

func init() {
	components.Register(ComponentType, Build)
}

// Build opens the database named by the "path" metadata (default
// ":memory:"). Optional: tableName, cleanupInterval.
func Build(ctx context.Context, spec components.Spec, deps components.Deps) (any, error) {
	path := spec.Metadata.String("path", ":memory:")
	cleanup, err := spec.Metadata.Duration("cleanupInterval", 0)
	if err != nil {
		return nil, err
	}
	return Open(ctx, path, sqlstore.Options{
		Table:           spec.Metadata.String("tableName", ""),
		CleanupInterval: cleanup,
		Logger:          deps.Logger,
	})
}

// Open opens path with a single connection, which serialises writers and
// keeps an in-memory database alive for the store's lifetime.
func Open(ctx context.Context, path string, opts sqlstore.Options) (*sqlstore.Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure SQLite: %w", err)
	}

	store, err := sqlstore.New(ctx, db, sqlstore.SQLite, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

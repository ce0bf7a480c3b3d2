// Package postgres registers the "state.postgres" component backed by lib/pq.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/internal/runtime/state/sqlstore"
)

// ComponentType is the manifest type of this driver.
const ComponentType = "state.postgres"

func init() {
	components.Register(ComponentType, Build)
	components.Register("state.postgresql", Build)
}

// Build connects with the "connectionString" metadata. Optional: tableName,
// cleanupInterval, maxOpenConns, maxIdleConns.
func Build(ctx context.Context, spec components.Spec, deps components.Deps) (any, error) {
	dsn, err := spec.Metadata.Required("connectionString")
	if err != nil {
		return nil, err
	}
	cleanup, err := spec.Metadata.Duration("cleanupInterval", time.Hour)
	if err != nil {
		return nil, err
	}
	maxOpen, err := spec.Metadata.Int("maxOpenConns", 10)
	if err != nil {
		return nil, err
	}
	maxIdle, err := spec.Metadata.Int("maxIdleConns", 5)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return Open(ctx, db, sqlstore.Options{
		Table:           spec.Metadata.String("tableName", ""),
		CleanupInterval: cleanup,
		Logger:          deps.Logger,
	})
}

// Open builds a store on an existing connection pool.
func Open(ctx context.Context, db *sqlx.DB, opts sqlstore.Options) (*sqlstore.Store, error) {
	store, err := sqlstore.New(ctx, db, sqlstore.Postgres, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

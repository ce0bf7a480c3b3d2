// Package postgres is the shared durable pubsub backend: a sqlqueue on
// PostgreSQL, claiming with SKIP LOCKED so sidecars on many hosts can consume
// one topic.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/drblury/outrigger/transport"
	"github.com/drblury/outrigger/transport/sqlqueue"
)

const TransportName = "postgres"

// Metadata keys.
const (
	PropertyConnectionString = "connectionString"
	PropertyMaxOpenConns     = "maxOpenConns"
	PropertyMaxIdleConns     = "maxIdleConns"
)

// Open is replaced in tests.
var Open = func(dsn string) (*sqlx.DB, error) {
	return sqlx.Open("postgres", dsn)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	dsn, err := cfg.Metadata.Required(PropertyConnectionString)
	if err != nil {
		return transport.Transport{}, err
	}
	maxOpen, err := cfg.Metadata.Int(PropertyMaxOpenConns, 10)
	if err != nil {
		return transport.Transport{}, err
	}
	maxIdle, err := cfg.Metadata.Int(PropertyMaxIdleConns, 5)
	if err != nil {
		return transport.Transport{}, err
	}
	qcfg, err := sqlqueue.ConfigFrom(cfg.Metadata)
	if err != nil {
		return transport.Transport{}, err
	}

	db, err := Open(dsn)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("open postgres queue: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return transport.Transport{}, errors.Join(fmt.Errorf("connect to postgres: %w", err), db.Close())
	}
	q, err := sqlqueue.New(ctx, db, sqlqueue.Postgres, qcfg, logger, true)
	if err != nil {
		return transport.Transport{}, errors.Join(err, db.Close())
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

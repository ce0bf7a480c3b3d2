// Package sqlite is the embedded durable pubsub backend: a sqlqueue on a
// local SQLite file.
package sqlite

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/outrigger/transport"
	"github.com/drblury/outrigger/transport/sqlqueue"
)

const TransportName = "sqlite"

// PropertyPath is the database file. ":memory:" keeps the queue in process.
const PropertyPath = "path"

const DefaultPath = "outrigger_queue.db"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Open opens path with WAL journaling on a single connection, so claims and
// acks never contend for the write lock.
func Open(path string) (*sqlx.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	qcfg, err := sqlqueue.ConfigFrom(cfg.Metadata)
	if err != nil {
		return transport.Transport{}, err
	}
	db, err := Open(cfg.Metadata.String(PropertyPath, DefaultPath))
	if err != nil {
		return transport.Transport{}, err
	}
	q, err := sqlqueue.New(ctx, db, sqlqueue.SQLite, qcfg, logger, true)
	if err != nil {
		_ = db.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

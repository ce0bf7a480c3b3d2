// Package sqlstore is the SQL state driver shared by the sqlite and postgres
// components. Both dialects use the same table layout and ON CONFLICT upsert.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/ids"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	"github.com/drblury/outrigger/internal/runtime/state"
)

// DefaultTable holds state items unless tableName is set.
const DefaultTable = "outrigger_state"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Dialect carries the statements that differ between databases.
type Dialect struct {
	Name string
	// Schema is formatted with the table name.
	Schema string
}

var (
	SQLite = Dialect{
		Name: "sqlite3",
		Schema: `CREATE TABLE IF NOT EXISTS %s (
			item_key TEXT PRIMARY KEY,
			value BLOB,
			etag TEXT NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
	}
	Postgres = Dialect{
		Name: "postgres",
		Schema: `CREATE TABLE IF NOT EXISTS %s (
			item_key TEXT PRIMARY KEY,
			value BYTEA,
			etag TEXT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL
		)`,
	}
)

// Options tunes a Store.
type Options struct {
	Table string
	// CleanupInterval deletes expired rows periodically. Zero disables it;
	// expired rows are hidden from reads either way.
	CleanupInterval time.Duration
	// SkipSchema leaves table creation to migrations.
	SkipSchema bool
	Logger     loggingpkg.ServiceLogger
}

type row struct {
	Key       string `db:"item_key"`
	Value     []byte `db:"value"`
	ETag      string `db:"etag"`
	ExpiresAt int64  `db:"expires_at"`
}

// Store implements state.Store, state.BulkStore and state.TransactionalStore.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	table   string
	logger  loggingpkg.ServiceLogger
	now     func() time.Time

	q queries

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type queries struct {
	get, bulkGet, upsert, update, deleteAny, deleteIf, cleanup string
}

// New wraps db. The table is created unless opts.SkipSchema is set.
func New(ctx context.Context, db *sqlx.DB, dialect Dialect, opts Options) (*Store, error) {
	table := opts.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		table:   table,
		logger:  loggingpkg.OrDiscard(opts.Logger),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	s.q = queries{
		get:       db.Rebind(fmt.Sprintf(`SELECT item_key, value, etag, expires_at FROM %s WHERE item_key = ?`, table)),
		bulkGet:   fmt.Sprintf(`SELECT item_key, value, etag, expires_at FROM %s WHERE item_key IN (?)`, table),
		upsert:    db.Rebind(fmt.Sprintf(`INSERT INTO %s (item_key, value, etag, expires_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (item_key) DO UPDATE SET value = excluded.value, etag = excluded.etag, expires_at = excluded.expires_at, updated_at = excluded.updated_at`, table)),
		update:    db.Rebind(fmt.Sprintf(`UPDATE %s SET value = ?, etag = ?, expires_at = ?, updated_at = ? WHERE item_key = ? AND etag = ? AND (expires_at = 0 OR expires_at > ?)`, table)),
		deleteAny: db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE item_key = ?`, table)),
		deleteIf:  db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE item_key = ? AND etag = ? AND (expires_at = 0 OR expires_at > ?)`, table)),
		cleanup:   db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE expires_at > 0 AND expires_at <= ?`, table)),
	}

	if !opts.SkipSchema {
		// #nosec G201 - table name is validated against tableNamePattern
		if _, err := db.ExecContext(ctx, fmt.Sprintf(dialect.Schema, table)); err != nil {
			return nil, fmt.Errorf("create state table: %w", err)
		}
	}
	if opts.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(opts.CleanupInterval)
	}
	return s, nil
}

func (s *Store) Features() []state.Feature {
	return []state.Feature{state.FeatureETag, state.FeatureTransactional, state.FeatureTTL}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *Store) live(r row, now time.Time) bool {
	return r.ExpiresAt == 0 || r.ExpiresAt > now.UnixMilli()
}

func toResponse(r row) state.GetResponse {
	etag := r.ETag
	return state.GetResponse{Key: r.Key, Value: r.Value, ETag: &etag, Found: true}
}

func (s *Store) Get(ctx context.Context, key string) (state.GetResponse, error) {
	var r row
	err := s.db.GetContext(ctx, &r, s.q.get, key)
	if errors.Is(err, sql.ErrNoRows) {
		return state.GetResponse{Key: key}, nil
	}
	if err != nil {
		return state.GetResponse{}, fmt.Errorf("get %q: %w", key, err)
	}
	if !s.live(r, s.now()) {
		return state.GetResponse{Key: key}, nil
	}
	return toResponse(r), nil
}

// BulkGet reads every key in one query.
func (s *Store) BulkGet(ctx context.Context, keys []string) ([]state.GetResponse, error) {
	out := make([]state.GetResponse, len(keys))
	for i, k := range keys {
		out[i].Key = k
	}
	if len(keys) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(s.q.bulkGet, keys)
	if err != nil {
		return nil, err
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("bulk get: %w", err)
	}
	now := s.now()
	found := make(map[string]row, len(rows))
	for _, r := range rows {
		if s.live(r, now) {
			found[r.Key] = r
		}
	}
	for i, k := range keys {
		if r, ok := found[k]; ok {
			out[i] = toResponse(r)
		}
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, req state.SetRequest) error {
	return s.set(ctx, s.db, req)
}

func (s *Store) set(ctx context.Context, ex sqlx.ExecerContext, req state.SetRequest) error {
	now := s.now()
	etag := ids.NewETag()
	if req.ETag == nil {
		_, err := ex.ExecContext(ctx, s.q.upsert, req.Key, req.Value, etag, millis(req.ExpiresAt), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert %q: %w", req.Key, err)
		}
		return nil
	}
	res, err := ex.ExecContext(ctx, s.q.update, req.Value, etag, millis(req.ExpiresAt), now.UnixMilli(), req.Key, *req.ETag, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("update %q: %w", req.Key, err)
	}
	return expectOne(res, "state.set", req.Key)
}

func (s *Store) Delete(ctx context.Context, req state.DeleteRequest) error {
	return s.delete(ctx, s.db, req)
}

func (s *Store) delete(ctx context.Context, ex sqlx.ExecerContext, req state.DeleteRequest) error {
	if req.ETag == nil {
		if _, err := ex.ExecContext(ctx, s.q.deleteAny, req.Key); err != nil {
			return fmt.Errorf("delete %q: %w", req.Key, err)
		}
		return nil
	}
	res, err := ex.ExecContext(ctx, s.q.deleteIf, req.Key, *req.ETag, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("delete %q: %w", req.Key, err)
	}
	return expectOne(res, "state.delete", req.Key)
}

func expectOne(res sql.Result, op, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errspkg.PreconditionFailed(op, key)
	}
	return nil
}

// Multi runs ops inside one database transaction.
func (s *Store) Multi(ctx context.Context, ops []state.TxOperation) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errspkg.BackendUnavailable("state.transaction", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("Rollback failed", rbErr, loggingpkg.LogFields{"table": s.table})
			}
			err = errspkg.TransactionAborted("state.transaction", err)
		}
	}()

	for _, op := range ops {
		switch op.Type {
		case state.Upsert:
			err = s.set(ctx, tx, op.Set)
		case state.Delete:
			err = s.delete(ctx, tx, op.Delete)
		default:
			err = fmt.Errorf("unknown operation %q", op.Type)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) cleanupLoop(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			res, err := s.db.Exec(s.q.cleanup, s.now().UnixMilli())
			if err != nil {
				s.logger.Error("Expired item cleanup failed", err, loggingpkg.LogFields{"table": s.table})
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				s.logger.Debug("Removed expired items", loggingpkg.LogFields{"table": s.table, "count": n})
			}
		}
	}
}

// Close stops the cleanup loop and closes the database.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	return s.db.Close()
}

// Package sqlqueue is a durable message queue on a SQL table, shared by the
// sqlite and postgres pubsub backends.
//
// Messages are claimed by setting locked_until inside a transaction. An ack
// deletes the row, a nack schedules redelivery with exponential backoff, and
// a message nacked more than MaxRetries times moves to the dead letter table.
// All timestamps are unix milliseconds.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jmoiron/sqlx"

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/internal/runtime/ids"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	"github.com/drblury/outrigger/transport"
)

// Metadata keys understood by ConfigFrom.
const (
	PropertyTablePrefix  = "tablePrefix"
	PropertyPollInterval = "pollInterval"
	PropertyMaxRetries   = "maxRetries"
	PropertyLockTimeout  = "lockTimeout"
	PropertyRetryBackoff = "retryBackoff"
)

const (
	DefaultTablePrefix  = "outrigger_"
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxRetries   = 3
	DefaultLockTimeout  = 30 * time.Second
	DefaultRetryBackoff = time.Second
	maxRetryBackoff     = time.Minute

	dlqReasonExhausted = "max retries exceeded"
)

var (
	ErrClosed = errors.New("queue closed")

	prefixPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Dialect holds what differs between databases.
type Dialect struct {
	Name string
	// Schema is formatted with the messages and dead letter table names.
	Schema string
	// ClaimLock is appended to the claim query.
	ClaimLock string
}

var (
	SQLite = Dialect{
		Name: "sqlite3",
		Schema: `
CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	available_at INTEGER NOT NULL,
	locked_until INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS %[1]s_claim ON %[1]s (topic, available_at);
CREATE TABLE IF NOT EXISTS %[2]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL,
	original_topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	failed_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS %[2]s_topic ON %[2]s (original_topic);`,
	}

	Postgres = Dialect{
		Name: "postgres",
		Schema: `
CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	uuid TEXT NOT NULL UNIQUE,
	topic TEXT NOT NULL,
	payload BYTEA NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at BIGINT NOT NULL,
	available_at BIGINT NOT NULL,
	locked_until BIGINT NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS %[1]s_claim ON %[1]s (topic, available_at);
CREATE TABLE IF NOT EXISTS %[2]s (
	id BIGSERIAL PRIMARY KEY,
	uuid TEXT NOT NULL,
	original_topic TEXT NOT NULL,
	payload BYTEA NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	failed_at BIGINT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS %[2]s_topic ON %[2]s (original_topic);`,
		ClaimLock: " FOR UPDATE SKIP LOCKED",
	}
)

// Config tunes a Queue.
type Config struct {
	TablePrefix  string
	PollInterval time.Duration
	// MaxRetries is the number of redeliveries before a nacked message is
	// dead lettered. Zero dead letters on the first nack.
	MaxRetries  int
	LockTimeout time.Duration
	// RetryBackoff is the first redelivery delay; it doubles per retry.
	RetryBackoff time.Duration
	// SkipSchema leaves table creation to migrations.
	SkipSchema bool
}

// ConfigFrom reads Config out of component metadata.
func ConfigFrom(props components.Properties) (Config, error) {
	poll, err := props.Duration(PropertyPollInterval, DefaultPollInterval)
	if err != nil {
		return Config{}, err
	}
	retries, err := props.Int(PropertyMaxRetries, DefaultMaxRetries)
	if err != nil {
		return Config{}, err
	}
	lock, err := props.Duration(PropertyLockTimeout, DefaultLockTimeout)
	if err != nil {
		return Config{}, err
	}
	backoff, err := props.Duration(PropertyRetryBackoff, DefaultRetryBackoff)
	if err != nil {
		return Config{}, err
	}
	return Config{
		TablePrefix:  props.String(PropertyTablePrefix, DefaultTablePrefix),
		PollInterval: poll,
		MaxRetries:   retries,
		LockTimeout:  lock,
		RetryBackoff: backoff,
	}, nil
}

func (c Config) withDefaults() Config {
	if c.TablePrefix == "" {
		c.TablePrefix = DefaultTablePrefix
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// backoff returns the redelivery delay after the given number of retries.
func (c Config) backoff(retries int) time.Duration {
	d := c.RetryBackoff
	for i := 0; i < retries && d < maxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, maxRetryBackoff)
}

type queries struct {
	insert, claim, lock, ack, unlock, retryCount, retry string
	toDLQ, dlqCount, dlqByID, dlqIDs, dlqDelete, dlqPurge, dlqList, pending string
}

// Queue implements message.Publisher, message.Subscriber and the dead letter
// interfaces of the transport package.
type Queue struct {
	db      *sqlx.DB
	dialect Dialect
	cfg     Config
	logger  watermill.LoggerAdapter
	q       queries
	now     func() time.Time

	ownsDB bool

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New wraps db. When ownsDB is set Close also closes db.
func New(ctx context.Context, db *sqlx.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter, ownsDB bool) (*Queue, error) {
	cfg = cfg.withDefaults()
	if !prefixPattern.MatchString(cfg.TablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", cfg.TablePrefix)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	messages, dlq := cfg.TablePrefix+"messages", cfg.TablePrefix+"dead_letters"

	if !cfg.SkipSchema {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(dialect.Schema, messages, dlq)); err != nil {
			return nil, fmt.Errorf("create queue schema: %w", err)
		}
	}

	r := db.Rebind
	q := &Queue{
		db:      db,
		dialect: dialect,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		ownsDB:  ownsDB,
		done:    make(chan struct{}),
		q: queries{
			insert:     r(fmt.Sprintf(`INSERT INTO %s (uuid, topic, payload, metadata, created_at, available_at) VALUES (?, ?, ?, ?, ?, ?)`, messages)),
			claim:      r(fmt.Sprintf(`SELECT id, uuid, payload, metadata, retry_count FROM %s WHERE topic = ? AND available_at <= ? AND locked_until < ? ORDER BY available_at, id LIMIT 1`, messages)) + dialect.ClaimLock,
			lock:       r(fmt.Sprintf(`UPDATE %s SET locked_until = ? WHERE id = ? AND locked_until < ?`, messages)),
			ack:        r(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, messages)),
			unlock:     r(fmt.Sprintf(`UPDATE %s SET locked_until = 0 WHERE id = ?`, messages)),
			retryCount: r(fmt.Sprintf(`SELECT retry_count FROM %s WHERE id = ?`, messages)),
			retry:      r(fmt.Sprintf(`UPDATE %s SET retry_count = retry_count + 1, locked_until = 0, available_at = ? WHERE id = ?`, messages)),
			toDLQ:      r(fmt.Sprintf(`INSERT INTO %s (uuid, original_topic, payload, metadata, error_message, failed_at, retry_count) SELECT uuid, topic, payload, metadata, ?, ?, retry_count FROM %s WHERE id = ?`, dlq, messages)),
			dlqCount:   r(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE original_topic = ?`, dlq)),
			dlqByID:    r(fmt.Sprintf(`SELECT id, uuid, original_topic, payload, metadata, error_message, failed_at, retry_count FROM %s WHERE id = ?`, dlq)),
			dlqIDs:     r(fmt.Sprintf(`SELECT id FROM %s WHERE original_topic = ? ORDER BY id`, dlq)),
			dlqDelete:  r(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, dlq)),
			dlqPurge:   r(fmt.Sprintf(`DELETE FROM %s WHERE original_topic = ?`, dlq)),
			dlqList:    r(fmt.Sprintf(`SELECT id, uuid, original_topic, payload, metadata, error_message, failed_at, retry_count FROM %s WHERE original_topic = ? ORDER BY failed_at DESC, id DESC LIMIT ? OFFSET ?`, dlq)),
			pending:    r(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE topic = ?`, messages)),
		},
	}
	return q, nil
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Publish inserts messages in one transaction. transport.MetadataDelay
// postpones availability.
func (q *Queue) Publish(topic string, messages ...*message.Message) error {
	return q.publish(topic, 0, messages)
}

// PublishWithDelay makes messages available after delay.
func (q *Queue) PublishWithDelay(topic string, delay time.Duration, messages ...*message.Message) error {
	return q.publish(topic, delay, messages)
}

func (q *Queue) publish(topic string, delay time.Duration, messages []*message.Message) error {
	if q.isClosed() {
		return ErrClosed
	}
	tx, err := q.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer rollback(tx)

	now := q.now()
	for _, msg := range messages {
		d := delay
		if raw := msg.Metadata.Get(transport.MetadataDelay); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", transport.MetadataDelay, err)
			}
			d = max(d, parsed)
		}
		md, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		payload := msg.Payload
		if payload == nil {
			payload = []byte{}
		}
		if _, err := tx.Exec(q.q.insert, msg.UUID, topic, payload, string(md), now.UnixMilli(), now.Add(d).UnixMilli()); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.UUID, err)
		}
	}
	return tx.Commit()
}

type claimed struct {
	ID         int64  `db:"id"`
	UUID       string `db:"uuid"`
	Payload    []byte `db:"payload"`
	Metadata   string `db:"metadata"`
	RetryCount int    `db:"retry_count"`
}

// claim locks the oldest available message of topic. It returns nil when
// nothing is available.
func (q *Queue) claim(ctx context.Context, topic string) (*claimed, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer rollback(tx)

	now := q.now().UnixMilli()
	var c claimed
	if err := tx.GetContext(ctx, &c, q.q.claim, topic, now, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	res, err := tx.ExecContext(ctx, q.q.lock, q.now().Add(q.cfg.LockTimeout).UnixMilli(), c.ID, now)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}
	return &c, tx.Commit()
}

// Subscribe polls topic and delivers one message at a time. The next message
// is claimed only after the previous one was acked or nacked.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	out := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, out)
	return out, nil
}

func (q *Queue) poll(ctx context.Context, topic string, out chan<- *message.Message) {
	defer q.wg.Done()
	defer close(out)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	fields := watermill.LogFields{"topic": topic}

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case <-ticker.C:
		}
		for {
			c, err := q.claim(ctx, topic)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Error("Claiming message failed", err, fields)
				}
				break
			}
			if c == nil {
				break
			}
			if !q.deliver(ctx, topic, c, out) {
				return
			}
		}
	}
}

func (q *Queue) deliver(ctx context.Context, topic string, c *claimed, out chan<- *message.Message) bool {
	msg := message.NewMessage(c.UUID, c.Payload)
	if c.Metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(c.Metadata), &msg.Metadata); err != nil {
			q.logger.Error("Dropping undecodable metadata", err, watermill.LogFields{"uuid": c.UUID})
		}
	}
	if msg.Metadata == nil {
		msg.Metadata = message.Metadata{}
	}
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-ctx.Done():
		q.release(c.ID)
		return false
	case <-q.done:
		q.release(c.ID)
		return false
	}

	select {
	case <-msg.Acked():
		q.exec("ack", q.q.ack, c.ID)
	case <-msg.Nacked():
		reason := msg.Metadata.Get(transport.MetadataError)
		if err := q.nack(c.ID, reason); err != nil {
			q.logger.Error("Nack failed", err, watermill.LogFields{"uuid": c.UUID, "topic": topic})
		}
	case <-ctx.Done():
		q.release(c.ID)
		return false
	case <-q.done:
		q.release(c.ID)
		return false
	}
	return true
}

func (q *Queue) release(id int64) {
	q.exec("unlock", q.q.unlock, id)
}

func (q *Queue) exec(op, query string, args ...any) {
	if _, err := q.db.Exec(query, args...); err != nil {
		q.logger.Error("Queue "+op+" failed", err, nil)
	}
}

func (q *Queue) nack(id int64, reason string) error {
	tx, err := q.db.Beginx()
	if err != nil {
		return err
	}
	defer rollback(tx)

	var retries int
	if err := tx.Get(&retries, q.q.retryCount, id); err != nil {
		return err
	}
	now := q.now()
	if retries >= q.cfg.MaxRetries {
		if reason == "" {
			reason = dlqReasonExhausted
		}
		if _, err := tx.Exec(q.q.toDLQ, reason, now.UnixMilli(), id); err != nil {
			return fmt.Errorf("dead letter: %w", err)
		}
		if _, err := tx.Exec(q.q.ack, id); err != nil {
			return err
		}
		return tx.Commit()
	}
	if _, err := tx.Exec(q.q.retry, now.Add(q.cfg.backoff(retries)).UnixMilli(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetPendingCount counts queued messages of topic, locked ones included.
func (q *Queue) GetPendingCount(topic string) (int64, error) {
	var n int64
	err := q.db.Get(&n, q.q.pending, topic)
	return n, err
}

func (q *Queue) GetDLQCount(topic string) (int64, error) {
	var n int64
	err := q.db.Get(&n, q.q.dlqCount, topic)
	return n, err
}

type deadLetter struct {
	ID            int64  `db:"id"`
	UUID          string `db:"uuid"`
	OriginalTopic string `db:"original_topic"`
	Payload       []byte `db:"payload"`
	Metadata      string `db:"metadata"`
	ErrorMessage  string `db:"error_message"`
	FailedAt      int64  `db:"failed_at"`
	RetryCount    int    `db:"retry_count"`
}

func (d deadLetter) toDLQMessage() transport.DLQMessage {
	out := transport.DLQMessage{
		ID:            d.ID,
		UUID:          d.UUID,
		OriginalTopic: d.OriginalTopic,
		Payload:       d.Payload,
		ErrorMessage:  d.ErrorMessage,
		FailedAt:      time.UnixMilli(d.FailedAt),
		RetryCount:    d.RetryCount,
	}
	if d.Metadata != "" {
		_ = jsoncodec.Unmarshal([]byte(d.Metadata), &out.Metadata)
	}
	return out
}

// ReplayDLQMessage requeues one dead letter under a fresh uuid.
func (q *Queue) ReplayDLQMessage(dlqID int64) error {
	tx, err := q.db.Beginx()
	if err != nil {
		return err
	}
	defer rollback(tx)
	if err := q.replay(tx, dlqID); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *Queue) replay(tx *sqlx.Tx, dlqID int64) error {
	var d deadLetter
	if err := tx.Get(&d, q.q.dlqByID, dlqID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dead letter %d not found", dlqID)
		}
		return err
	}
	now := q.now().UnixMilli()
	if _, err := tx.Exec(q.q.insert, d.UUID+"-replay-"+ids.CreateULID(), d.OriginalTopic, d.Payload, d.Metadata, now, now); err != nil {
		return err
	}
	_, err := tx.Exec(q.q.dlqDelete, dlqID)
	return err
}

// ReplayAllDLQ requeues every dead letter of topic.
func (q *Queue) ReplayAllDLQ(topic string) (int64, error) {
	tx, err := q.db.Beginx()
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	var idsToReplay []int64
	if err := tx.Select(&idsToReplay, q.q.dlqIDs, topic); err != nil {
		return 0, err
	}
	for _, id := range idsToReplay {
		if err := q.replay(tx, id); err != nil {
			return 0, err
		}
	}
	return int64(len(idsToReplay)), tx.Commit()
}

func (q *Queue) PurgeDLQ(topic string) (int64, error) {
	res, err := q.db.Exec(q.q.dlqPurge, topic)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListDLQMessages pages through dead letters, newest first.
func (q *Queue) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	var rows []deadLetter
	if err := q.db.Select(&rows, q.q.dlqList, topic, limit, offset); err != nil {
		return nil, err
	}
	out := make([]transport.DLQMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDLQMessage())
	}
	return out, nil
}

// Close stops all subscriptions, releasing their claimed messages.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()
	if q.ownsDB {
		return q.db.Close()
	}
	return nil
}

func rollback(tx *sqlx.Tx) {
	_ = tx.Rollback()
}

var (
	_ message.Publisher           = (*Queue)(nil)
	_ message.Subscriber          = (*Queue)(nil)
	_ transport.DLQManager        = (*Queue)(nil)
	_ transport.DLQLister         = (*Queue)(nil)
	_ transport.QueueIntrospector = (*Queue)(nil)
	_ transport.DelayedPublisher  = (*Queue)(nil)
)

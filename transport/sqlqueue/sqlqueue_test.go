package sqlqueue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/transport"
)

func newSQLiteQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	q, err := New(context.Background(), db, SQLite, cfg, watermill.NopLogger{}, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func next(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("no message delivered")
		return nil
	}
}

func TestAckRemovesMessage(t *testing.T) {
	q := newSQLiteQueue(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := message.NewMessage("m-1", []byte(`{"id":1}`))
	msg.Metadata.Set("traceparent", "00-aa-bb-01")
	require.NoError(t, q.Publish("orders", msg))
	require.NoError(t, q.Publish("orders", message.NewMessage("m-2", nil)))

	ch, err := q.Subscribe(ctx, "orders")
	require.NoError(t, err)

	got := next(t, ch)
	assert.Equal(t, "m-1", got.UUID)
	assert.Equal(t, "00-aa-bb-01", got.Metadata.Get("traceparent"))
	got.Ack()

	got = next(t, ch)
	assert.Equal(t, "m-2", got.UUID)
	assert.Empty(t, got.Payload)
	got.Ack()

	require.Eventually(t, func() bool {
		n, err := q.GetPendingCount("orders")
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	q := newSQLiteQueue(t, Config{MaxRetries: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish("orders", message.NewMessage("m-1", []byte("x"))))
	ch, err := q.Subscribe(ctx, "orders")
	require.NoError(t, err)

	next(t, ch).Nack()
	redelivered := next(t, ch)
	assert.Equal(t, "m-1", redelivered.UUID)
	redelivered.Metadata.Set(transport.MetadataError, "handler returned 500")
	redelivered.Nack()

	require.Eventually(t, func() bool {
		n, err := q.GetDLQCount("orders")
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	pending, err := q.GetPendingCount("orders")
	require.NoError(t, err)
	assert.Zero(t, pending)

	letters, err := q.ListDLQMessages("orders", 10, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "handler returned 500", letters[0].ErrorMessage)
	assert.Equal(t, 1, letters[0].RetryCount)
	assert.Equal(t, "x", string(letters[0].Payload))
}

func TestReplayAndPurge(t *testing.T) {
	q := newSQLiteQueue(t, Config{MaxRetries: 0})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, q.Publish("orders", message.NewMessage("a", []byte("1")), message.NewMessage("b", []byte("2"))))
	ch, err := q.Subscribe(ctx, "orders")
	require.NoError(t, err)
	next(t, ch).Nack()
	next(t, ch).Nack()
	require.Eventually(t, func() bool {
		n, _ := q.GetDLQCount("orders")
		return n == 2
	}, 3*time.Second, 10*time.Millisecond)
	cancel()

	letters, err := q.ListDLQMessages("orders", 1, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, dlqReasonExhausted, letters[0].ErrorMessage)

	require.NoError(t, q.ReplayDLQMessage(letters[0].ID))
	require.Error(t, q.ReplayDLQMessage(letters[0].ID), "replayed letter is gone")

	pending, err := q.GetPendingCount("orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	purged, err := q.PurgeDLQ("orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	replayed, err := q.ReplayAllDLQ("orders")
	require.NoError(t, err)
	assert.Zero(t, replayed)
}

func TestReplayAllUsesFreshUUIDs(t *testing.T) {
	q := newSQLiteQueue(t, Config{MaxRetries: 0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish("orders", message.NewMessage("a", []byte("1"))))
	ch, err := q.Subscribe(ctx, "orders")
	require.NoError(t, err)
	next(t, ch).Nack()
	require.Eventually(t, func() bool {
		n, _ := q.GetDLQCount("orders")
		return n == 1
	}, 3*time.Second, 10*time.Millisecond)

	n, err := q.ReplayAllDLQ("orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got := next(t, ch)
	assert.True(t, strings.HasPrefix(got.UUID, "a-replay-"), got.UUID)
	got.Ack()
}

func TestDelayedMessageStaysUnclaimed(t *testing.T) {
	q := newSQLiteQueue(t, Config{})
	base := time.Now()
	q.now = func() time.Time { return base }

	msg := message.NewMessage("later", nil)
	msg.Metadata.Set(transport.MetadataDelay, "1h")
	require.NoError(t, q.Publish("orders", msg))
	require.NoError(t, q.PublishWithDelay("orders", time.Minute, message.NewMessage("soon", nil)))

	c, err := q.claim(context.Background(), "orders")
	require.NoError(t, err)
	assert.Nil(t, c)

	q.now = func() time.Time { return base.Add(2 * time.Minute) }
	c, err = q.claim(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "soon", c.UUID)

	c, err = q.claim(context.Background(), "orders")
	require.NoError(t, err)
	assert.Nil(t, c, "locked and delayed messages are not claimable")

	q.now = func() time.Time { return base.Add(2 * time.Hour) }
	c, err = q.claim(context.Background(), "orders")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "soon", c.UUID, "an expired lock makes the message claimable again")
}

func TestMalformedDelayRejected(t *testing.T) {
	q := newSQLiteQueue(t, Config{})
	msg := message.NewMessage("x", nil)
	msg.Metadata.Set(transport.MetadataDelay, "tomorrow")
	require.Error(t, q.Publish("orders", msg))
}

func TestCloseEndsSubscriptions(t *testing.T) {
	q := newSQLiteQueue(t, Config{})
	ch, err := q.Subscribe(context.Background(), "orders")
	require.NoError(t, err)
	require.NoError(t, q.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, q.Publish("orders", message.NewMessage("x", nil)), ErrClosed)
	_, err = q.Subscribe(context.Background(), "orders")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfigFromAndBackoff(t *testing.T) {
	cfg, err := ConfigFrom(components.Properties{
		PropertyMaxRetries:   "5",
		PropertyRetryBackoff: "250ms",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, DefaultTablePrefix, cfg.TablePrefix)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)

	assert.Equal(t, 250*time.Millisecond, cfg.backoff(0))
	assert.Equal(t, time.Second, cfg.backoff(2))
	assert.Equal(t, maxRetryBackoff, cfg.backoff(20))

	_, err = ConfigFrom(components.Properties{PropertyMaxRetries: "many"})
	require.Error(t, err)

	_, err = New(context.Background(), nil, SQLite, Config{TablePrefix: "bad-prefix;"}, nil, false)
	require.Error(t, err)
}

func TestPostgresDialectQueries(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(mockDB, "postgres")

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS outrigger_messages`).WillReturnResult(sqlmock.NewResult(0, 0))
	q, err := New(context.Background(), db, Postgres, Config{}, nil, true)
	require.NoError(t, err)
	assert.Contains(t, q.q.claim, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, q.q.insert, "$6")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO outrigger_messages`).
		WithArgs("m-1", "orders", []byte("x"), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, q.Publish("orders", message.NewMessage("m-1", []byte("x"))))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, uuid, payload, metadata, retry_count FROM outrigger_messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "uuid", "payload", "metadata", "retry_count"}).
			AddRow(7, "m-1", []byte("x"), "{}", 0))
	mock.ExpectExec(`UPDATE outrigger_messages SET locked_until`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	c, err := q.claim(context.Background(), "orders")
	require.NoError(t, err)
	assert.Nil(t, c, "losing the lock race claims nothing")

	mock.ExpectClose()
	require.NoError(t, q.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

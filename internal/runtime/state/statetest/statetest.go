// Package statetest holds the behaviour every state driver must show.
package statetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/state"
)

// Run exercises a driver. newStore must return an empty store per call.
func Run(t *testing.T, newStore func(t *testing.T) state.Store) {
	t.Helper()
	t.Run("ReadYourWrites", func(t *testing.T) { readYourWrites(t, newStore(t)) })
	t.Run("MissingKey", func(t *testing.T) { missingKey(t, newStore(t)) })
	t.Run("StaleETag", func(t *testing.T) { staleETag(t, newStore(t)) })
	t.Run("ETagOnMissingKey", func(t *testing.T) { etagOnMissingKey(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { deleteKey(t, newStore(t)) })
	t.Run("Expiry", func(t *testing.T) { expiry(t, newStore(t)) })
	t.Run("TransactionCommits", func(t *testing.T) { transactionCommits(t, newStore(t)) })
	t.Run("TransactionAborts", func(t *testing.T) { transactionAborts(t, newStore(t)) })
}

func mustGet(t *testing.T, s state.Store, key string) state.GetResponse {
	t.Helper()
	resp, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	return resp
}

func readYourWrites(t *testing.T, s state.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, state.SetRequest{Key: "k", Value: []byte("v1")}))
	got := mustGet(t, s, "k")
	require.True(t, got.Found)
	assert.Equal(t, "v1", string(got.Value))
	require.NotNil(t, got.ETag)

	require.NoError(t, s.Set(ctx, state.SetRequest{Key: "k", Value: []byte("v2")}))
	again := mustGet(t, s, "k")
	assert.Equal(t, "v2", string(again.Value))
	assert.NotEqual(t, *got.ETag, *again.ETag, "every write issues a new etag")
}

func missingKey(t *testing.T, s state.Store) {
	got := mustGet(t, s, "absent")
	assert.False(t, got.Found)
	assert.Empty(t, got.Value)
	assert.Nil(t, got.ETag)
}

func staleETag(t *testing.T, s state.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, state.SetRequest{Key: "k", Value: []byte("v1")}))
	first := mustGet(t, s, "k")

	require.NoError(t, s.Set(ctx, state.SetRequest{Key: "k", Value: []byte("v2"), ETag: first.ETag}))
	err := s.Set(ctx, state.SetRequest{Key: "k", Value: []byte("v3"), ETag: first.ETag})
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrPreconditionFailed)
	assert.Equal(t, "v2", string(mustGet(t, s, "k").Value), "a stale write must not overwrite")

	err = s.Delete(ctx, state.DeleteRequest{Key: "k", ETag: first.ETag})
	assert.ErrorIs(t, err, errspkg.ErrPreconditionFailed)
	assert.True(t, mustGet(t, s, "k").Found)
}

func etagOnMissingKey(t *testing.T, s state.Store) {
	err := s.Set(context.Background(), state.SetRequest{Key: "nope", Value: []byte("x"), ETag: state.ETag("bogus")})
	assert.ErrorIs(t, err, errspkg.ErrPreconditionFailed)
	assert.False(t, mustGet(t, s, "nope").Found)
}

func deleteKey(t *testing.T, s state.Store) {
	ctx := context.Background()
	require.NoError(t, s.Delete(ctx, state.DeleteRequest{Key: "never"}), "unconditional delete of a missing key succeeds")

	require.NoError(t, s.Set(ctx, state.SetRequest{Key: "k", Value: []byte("v")}))
	cur := mustGet(t, s, "k")
	require.NoError(t, s.Delete(ctx, state.DeleteRequest{Key: "k", ETag: cur.ETag}))
	assert.False(t, mustGet(t, s, "k").Found)
}

func expiry(t *testing.T, s state.Store) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, state.SetRequest{Key: "gone", Value: []byte("v"), ExpiresAt: time.Now().Add(-time.Second)}))
	assert.False(t, mustGet(t, s, "gone").Found)

	require.NoError(t, s.Set(ctx, state.SetRequest{Key: "live", Value: []byte("v"), ExpiresAt: time.Now().Add(time.Hour)}))
	assert.True(t, mustGet(t, s, "live").Found)
}

func transactional(t *testing.T, s state.Store) state.TransactionalStore {
	t.Helper()
	tx, ok := s.(state.TransactionalStore)
	if !ok || !state.HasFeature(s, state.FeatureTransactional) {
		t.Skip("driver is not transactional")
	}
	return tx
}

func transactionCommits(t *testing.T, s state.Store) {
	tx := transactional(t, s)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, state.SetRequest{Key: "old", Value: []byte("x")}))

	require.NoError(t, tx.Multi(ctx, []state.TxOperation{
		{Type: state.Upsert, Set: state.SetRequest{Key: "a", Value: []byte("1")}},
		{Type: state.Upsert, Set: state.SetRequest{Key: "b", Value: []byte("2")}},
		{Type: state.Delete, Delete: state.DeleteRequest{Key: "old"}},
	}))
	assert.Equal(t, "1", string(mustGet(t, s, "a").Value))
	assert.Equal(t, "2", string(mustGet(t, s, "b").Value))
	assert.False(t, mustGet(t, s, "old").Found)
}

func transactionAborts(t *testing.T, s state.Store) {
	tx := transactional(t, s)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, state.SetRequest{Key: "a", Value: []byte("before")}))

	err := tx.Multi(ctx, []state.TxOperation{
		{Type: state.Upsert, Set: state.SetRequest{Key: "a", Value: []byte("after")}},
		{Type: state.Upsert, Set: state.SetRequest{Key: "b", Value: []byte("new")}},
		{Type: state.Delete, Delete: state.DeleteRequest{Key: "a", ETag: state.ETag("stale")}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrTransactionAborted)

	assert.Equal(t, "before", string(mustGet(t, s, "a").Value))
	assert.False(t, mustGet(t, s, "b").Found, "no partial writes")
}

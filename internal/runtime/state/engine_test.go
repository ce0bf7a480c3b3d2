package state_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/components"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/state"
	"github.com/drblury/outrigger/internal/runtime/state/memory"
)

// plainStore has no optional features and fails reads of "broken".
type plainStore struct {
	*memory.Store
}

func (plainStore) Features() []state.Feature { return nil }

func (p plainStore) Get(ctx context.Context, key string) (state.GetResponse, error) {
	if key == "orders||broken" {
		return state.GetResponse{}, errors.New("disk on fire")
	}
	return p.Store.Get(ctx, key)
}

func newEngine(t *testing.T) (*state.Engine, *memory.Store) {
	t.Helper()
	mem := memory.New()
	table, err := components.NewTable(
		components.Entry{Spec: components.Spec{Name: "statestore", Type: memory.ComponentType, Metadata: components.Properties{"actorStateStore": "true"}}, Instance: mem},
		components.Entry{Spec: components.Spec{Name: "shared", Type: memory.ComponentType, Metadata: components.Properties{"keyPrefix": "none"}}, Instance: mem},
		components.Entry{Spec: components.Spec{Name: "plain", Type: "state.plain"}, Instance: plainStore{memory.New()}},
	)
	require.NoError(t, err)
	return state.NewEngine(table, "orders", nil), mem
}

func TestSaveGetPrefixesKeys(t *testing.T) {
	e, mem := newEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Save(ctx, "statestore", state.Item{Key: "order_1", Value: []byte(`{"id":1}`)}))

	got, err := e.Get(ctx, "statestore", "order_1")
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, "order_1", got.Key)
	assert.JSONEq(t, `{"id":1}`, string(got.Value))

	raw, err := mem.Get(ctx, "orders||order_1")
	require.NoError(t, err)
	assert.True(t, raw.Found, "stored under the app id prefix")

	shared, err := e.Get(ctx, "shared", "orders||order_1")
	require.NoError(t, err)
	assert.True(t, shared.Found, "keyPrefix none reads raw keys")

	_, err = e.Get(ctx, "statestore", "with||sep")
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestUnknownStore(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Get(context.Background(), "nope", "k")
	assert.ErrorIs(t, err, errspkg.ErrComponentNotFound)
	_, err = e.Get(context.Background(), "", "k")
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestStaleETagThroughEngine(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Save(ctx, "statestore", state.Item{Key: "k", Value: []byte("1")}))
	first, err := e.Get(ctx, "statestore", "k")
	require.NoError(t, err)

	require.NoError(t, e.Save(ctx, "statestore", state.Item{Key: "k", Value: []byte("2"), ETag: first.ETag}))
	err = e.Save(ctx, "statestore", state.Item{Key: "k", Value: []byte("3"), ETag: first.ETag})
	assert.True(t, errspkg.IsKind(err, errspkg.KindPreconditionFailed))

	got, err := e.Get(ctx, "statestore", "k")
	require.NoError(t, err)
	assert.Equal(t, "2", string(got.Value))
}

func TestBulkGetIsAlignedAndPartial(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Save(ctx, "plain", state.Item{Key: "a", Value: []byte("A")}, state.Item{Key: "c", Value: []byte("C")}))

	got, err := e.BulkGet(ctx, "plain", []string{"a", "missing", "broken", "c", ""}, 2)
	require.NoError(t, err)
	require.Len(t, got, 5)

	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, "A", string(got[0].Value))
	assert.False(t, got[1].Found)
	assert.Empty(t, got[1].Error)
	assert.Contains(t, got[2].Error, "disk on fire")
	assert.Equal(t, "C", string(got[3].Value))
	assert.NotEmpty(t, got[4].Error, "empty key reports its own error")
}

func TestTransactionAllOrNothing(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Save(ctx, "statestore", state.Item{Key: "stock", Value: []byte("10")}))

	err := e.Transact(ctx, "statestore", []state.Operation{
		{Type: state.Upsert, Item: state.Item{Key: "stock", Value: []byte("9")}},
		{Type: state.Upsert, Item: state.Item{Key: "order", Value: []byte("1")}},
		{Type: state.Delete, Item: state.Item{Key: "stock", ETag: state.ETag("stale")}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrTransactionAborted)
	assert.ErrorIs(t, err, errspkg.ErrPreconditionFailed)

	stock, _ := e.Get(ctx, "statestore", "stock")
	order, _ := e.Get(ctx, "statestore", "order")
	assert.Equal(t, "10", string(stock.Value))
	assert.False(t, order.Found)

	require.NoError(t, e.Transact(ctx, "statestore", []state.Operation{
		{Type: state.Upsert, Item: state.Item{Key: "stock", Value: []byte("9")}},
		{Type: state.Upsert, Item: state.Item{Key: "order", Value: []byte("1")}},
	}))
	order, _ = e.Get(ctx, "statestore", "order")
	assert.True(t, order.Found)
}

func TestFeatureChecks(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	err := e.Transact(ctx, "plain", []state.Operation{{Type: state.Upsert, Item: state.Item{Key: "a"}}})
	assert.ErrorIs(t, err, errspkg.ErrOperationNotSupported)

	err = e.Save(ctx, "plain", state.Item{Key: "a", ETag: state.ETag("x")})
	assert.ErrorIs(t, err, errspkg.ErrOperationNotSupported)

	err = e.Save(ctx, "plain", state.Item{Key: "a", Metadata: map[string]string{"ttlInSeconds": "5"}})
	assert.ErrorIs(t, err, errspkg.ErrOperationNotSupported)

	err = e.Save(ctx, "statestore", state.Item{Key: "a", Metadata: map[string]string{"ttlInSeconds": "soon"}})
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestTTLMetadataExpiresItems(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Save(ctx, "statestore", state.Item{Key: "session", Value: []byte("x"), Metadata: map[string]string{"ttlInSeconds": "3600"}}))
	got, err := e.Get(ctx, "statestore", "session")
	require.NoError(t, err)
	assert.True(t, got.Found)
}

func TestActorStore(t *testing.T) {
	e, _ := newEngine(t)
	name, ok := e.ActorStore()
	assert.True(t, ok)
	assert.Equal(t, "statestore", name)
}

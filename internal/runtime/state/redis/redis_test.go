package redis

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/internal/runtime/ids"
	"github.com/drblury/outrigger/internal/runtime/state"
	"github.com/drblury/outrigger/internal/runtime/state/statetest"
)

func TestOptionsFromSpec(t *testing.T) {
	opts, err := OptionsFromSpec(components.Spec{Metadata: components.Properties{
		"redisHost": "localhost:6379", "redisPassword": "pw", "redisDB": "2", "dialTimeout": "2s",
	}})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)

	_, err = OptionsFromSpec(components.Spec{})
	assert.Error(t, err)

	_, err = OptionsFromSpec(components.Spec{Metadata: components.Properties{"redisHost": "x", "redisDB": "one"}})
	assert.Error(t, err)
}

func TestToResponse(t *testing.T) {
	assert.False(t, toResponse("k", []interface{}{nil, nil}).Found)
	got := toResponse("k", []interface{}{"v", "e1"})
	assert.True(t, got.Found)
	assert.Equal(t, "v", string(got.Value))
	assert.Equal(t, "e1", *got.ETag)
}

func TestConformance(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store {
		srv := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return New(client)
	})
}

// TestConformanceLive runs against a live server named by OUTRIGGER_TEST_REDIS.
func TestConformanceLive(t *testing.T) {
	addr := os.Getenv("OUTRIGGER_TEST_REDIS")
	if addr == "" {
		t.Skip("OUTRIGGER_TEST_REDIS not set")
	}
	statetest.Run(t, func(t *testing.T) state.Store {
		client := redis.NewClient(&redis.Options{Addr: addr})
		require.NoError(t, client.Ping(context.Background()).Err())
		prefix := ids.CreateULID() + ":"
		t.Cleanup(func() { _ = client.Close() })
		return prefixed{Store: New(client), prefix: prefix}
	})
}

// prefixed isolates test runs sharing one server.
type prefixed struct {
	*Store
	prefix string
}

func (p prefixed) Get(ctx context.Context, key string) (state.GetResponse, error) {
	resp, err := p.Store.Get(ctx, p.prefix+key)
	resp.Key = key
	return resp, err
}

func (p prefixed) Set(ctx context.Context, req state.SetRequest) error {
	req.Key = p.prefix + req.Key
	return p.Store.Set(ctx, req)
}

func (p prefixed) Delete(ctx context.Context, req state.DeleteRequest) error {
	req.Key = p.prefix + req.Key
	return p.Store.Delete(ctx, req)
}

func (p prefixed) Multi(ctx context.Context, ops []state.TxOperation) error {
	out := make([]state.TxOperation, len(ops))
	for i, op := range ops {
		op.Set.Key = p.prefix + op.Set.Key
		op.Delete.Key = p.prefix + op.Delete.Key
		out[i] = op
	}
	return p.Store.Multi(ctx, out)
}

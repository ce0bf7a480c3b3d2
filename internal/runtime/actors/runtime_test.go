package actors

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/state"
	"github.com/drblury/outrigger/internal/runtime/state/memory"
)

type counterActor struct {
	inFlight    *atomic.Int32
	maxInFlight *atomic.Int32
}

func (c *counterActor) Invoke(ctx context.Context, turn *Turn, method string, _ []byte) ([]byte, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.maxInFlight.Load()
		if n <= peak || c.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	var count int
	if _, err := turn.GetJSON(ctx, "count", &count); err != nil {
		return nil, err
	}
	switch method {
	case "incr":
		time.Sleep(2 * time.Millisecond)
		count++
		if err := turn.SetJSON("count", count); err != nil {
			return nil, err
		}
	case "fail":
		_ = turn.SetJSON("count", 999)
		turn.Set("other", []byte("x"))
		return nil, errors.New("boom")
	case "panic":
		turn.Set("other", []byte("x"))
		panic("kaboom")
	case "slow":
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	case "get":
	}
	return []byte(strconv.Itoa(count)), nil
}

type fixture struct {
	rt          *Runtime
	store       *memory.Store
	maxInFlight *atomic.Int32
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), maxInFlight: &atomic.Int32{}}
	inFlight := &atomic.Int32{}
	host := NewHost()
	host.Register("counter", func(Ref) Actor {
		return &counterActor{inFlight: inFlight, maxInFlight: f.maxInFlight}
	})
	cfg := Config{AppID: "orders", Store: f.store, StoreName: "statestore", Invoker: host}
	if mutate != nil {
		mutate(&cfg)
	}
	rt, err := NewRuntime(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	f.rt = rt
	return f
}

func call(t *testing.T, rt *Runtime, id, method string) (string, error) {
	t.Helper()
	resp, err := rt.Invoke(context.Background(), Call{Ref: Ref{Type: "counter", ID: id}, Name: method})
	return string(resp.Data), err
}

func TestTurnsAreNeverConcurrent(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := call(t, f.rt, "1", "incr")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.maxInFlight.Load())
	got, err := call(t, f.rt, "1", "get")
	require.NoError(t, err)
	assert.Equal(t, "25", got)
}

func TestDifferentActorsRunInParallel(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		_, err := call(t, f.rt, id, "incr")
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]int{"counter": 3}, f.rt.ActiveCounts())
}

func TestFailedTurnDiscardsChanges(t *testing.T) {
	f := newFixture(t, nil)

	_, err := call(t, f.rt, "1", "incr")
	require.NoError(t, err)

	_, err = call(t, f.rt, "1", "fail")
	require.Error(t, err)
	assert.True(t, errspkg.IsKind(err, errspkg.KindInternal), "got %v", err)

	_, err = call(t, f.rt, "1", "panic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	got, err := call(t, f.rt, "1", "get")
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	_, found, err := f.rt.GetState(context.Background(), Ref{Type: "counter", ID: "1"}, "other")
	require.NoError(t, err)
	assert.False(t, found)

	got, err = call(t, f.rt, "1", "incr")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestStateIsStoredUnderActorKey(t *testing.T) {
	f := newFixture(t, nil)
	_, err := call(t, f.rt, "42", "incr")
	require.NoError(t, err)

	resp, err := f.store.Get(context.Background(), "orders||counter||42||count")
	require.NoError(t, err)
	assert.True(t, resp.Found)
	assert.Equal(t, "1", string(resp.Value))
}

func TestTurnTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.TurnTimeout = 20 * time.Millisecond })

	_, err := call(t, f.rt, "1", "slow")
	require.Error(t, err)
	assert.True(t, errspkg.IsKind(err, errspkg.KindDeadlineExceeded), "got %v", err)

	got, err := call(t, f.rt, "1", "incr")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
}

func TestCallerDeadline(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.rt.Invoke(ctx, Call{Ref: Ref{Type: "counter", ID: "1"}, Name: "slow"})
	assert.True(t, errspkg.IsKind(err, errspkg.KindDeadlineExceeded), "got %v", err)
}

func TestIdleActorsAreDeactivated(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.IdleTimeout = time.Minute })
	ref := Ref{Type: "counter", ID: "1"}

	_, err := call(t, f.rt, "1", "incr")
	require.NoError(t, err)
	assert.True(t, f.rt.IsActive(ref))

	assert.Equal(t, 0, f.rt.deactivateIdle(time.Now()))
	assert.Equal(t, 1, f.rt.deactivateIdle(time.Now().Add(2*time.Minute)))
	assert.False(t, f.rt.IsActive(ref))

	got, err := call(t, f.rt, "1", "incr")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestExplicitDeactivateWaitsForQueuedTurns(t *testing.T) {
	f := newFixture(t, nil)
	ref := Ref{Type: "counter", ID: "1"}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = call(t, f.rt, "1", "incr")
		}()
	}
	wg.Wait()
	require.NoError(t, f.rt.Deactivate(context.Background(), ref))
	assert.False(t, f.rt.IsActive(ref))

	got, err := call(t, f.rt, "1", "get")
	require.NoError(t, err)
	assert.Equal(t, "5", got)
}

func TestInvokeValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.rt.Invoke(ctx, Call{Ref: Ref{ID: "1"}})
	assert.ErrorIs(t, err, errspkg.ErrActorTypeRequired)

	_, err = f.rt.Invoke(ctx, Call{Ref: Ref{Type: "counter"}})
	assert.ErrorIs(t, err, errspkg.ErrActorIDRequired)

	_, err = f.rt.Invoke(ctx, Call{Ref: Ref{Type: "ghost", ID: "1"}})
	assert.True(t, errspkg.IsKind(err, errspkg.KindComponentNotFound), "got %v", err)
}

type plainStore struct{ state.Store }

func TestNewRuntimeRequiresTransactionalStore(t *testing.T) {
	_, err := NewRuntime(Config{AppID: "orders", Store: plainStore{memory.New()}, StoreName: "kv", Invoker: NewHost()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transactions")

	_, err = NewRuntime(Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrAppIDRequired)
}

func TestStopRejectsNewCalls(t *testing.T) {
	f := newFixture(t, nil)
	_, err := call(t, f.rt, "1", "incr")
	require.NoError(t, err)

	require.NoError(t, f.rt.Stop(context.Background()))
	_, err = call(t, f.rt, "1", "incr")
	assert.True(t, errspkg.IsKind(err, errspkg.KindBackendUnavailable), "got %v", err)
}

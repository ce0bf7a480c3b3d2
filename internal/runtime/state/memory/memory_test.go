package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/internal/runtime/state"
	"github.com/drblury/outrigger/internal/runtime/state/statetest"
)

func TestConformance(t *testing.T) {
	statetest.Run(t, func(*testing.T) state.Store { return New() })
}

func TestRegistered(t *testing.T) {
	assert.True(t, components.DefaultRegistry.Has(ComponentType))
}

func TestLenSkipsExpired(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, state.SetRequest{Key: "a", Value: []byte("1"), ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.Set(ctx, state.SetRequest{Key: "b", Value: []byte("2")}))
	assert.Equal(t, 2, s.Len())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, s.Len())
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.Found)
}

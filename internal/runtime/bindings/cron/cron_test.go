package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/bindings"
	"github.com/drblury/outrigger/internal/runtime/components"
)

func TestScheduleParsing(t *testing.T) {
	for _, spec := range []string{"@every 1s", "*/5 * * * *", "0 */5 * * * *", "@daily"} {
		_, err := New(spec, nil)
		assert.NoError(t, err, spec)
	}
	_, err := New("every tuesday", nil)
	assert.Error(t, err)

	b, err := New("0 0 * * *", nil)
	require.NoError(t, err)
	from := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), b.Next(from))
}

func TestReadFiresAndSurvivesHandlerErrors(t *testing.T) {
	b, err := New("@every 1s", nil)
	require.NoError(t, err)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Read(ctx, func(_ context.Context, resp bindings.ReadResponse) ([]byte, error) {
			assert.Equal(t, "@every 1s", resp.Metadata["schedule"])
			if calls.Add(1) == 1 {
				return nil, errors.New("first tick fails")
			}
			return nil, nil
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("Read did not return after cancel")
	}
}

func TestFactoryRequiresSchedule(t *testing.T) {
	_, err := components.DefaultRegistry.Build(context.Background(), components.Spec{Name: "tick", Type: ComponentType}, components.Deps{})
	assert.ErrorContains(t, err, "schedule")
}

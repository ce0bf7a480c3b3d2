package actors

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/state/memory"
)

type alarmActor struct {
	events chan<- string
}

func (a *alarmActor) Invoke(_ context.Context, _ *Turn, method string, _ []byte) ([]byte, error) {
	a.events <- "timer:" + method
	return nil, nil
}

func (a *alarmActor) Remind(_ context.Context, turn *Turn, name string, data []byte) error {
	turn.Set("last-reminder", data)
	a.events <- "reminder:" + name
	return nil
}

func newAlarmRuntime(t *testing.T, store *memory.Store, events chan<- string) *Runtime {
	t.Helper()
	host := NewHost()
	host.Register("alarm", func(Ref) Actor { return &alarmActor{events: events} })
	rt, err := NewRuntime(Config{AppID: "clock", Store: store, StoreName: "statestore", Invoker: host})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt
}

func waitEvent(t *testing.T, events <-chan string, within time.Duration) string {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(within):
		t.Fatalf("no event within %v", within)
		return ""
	}
}

func TestReminderSurvivesDeactivationTimerDoesNot(t *testing.T) {
	events := make(chan string, 16)
	rt := newAlarmRuntime(t, memory.New(), events)
	require.NoError(t, rt.Start(context.Background()))
	ctx := context.Background()
	ref := Ref{Type: "alarm", ID: "kitchen"}

	require.NoError(t, rt.RegisterTimer(ctx, ref, Timer{Name: "tick", DueTime: "150ms"}))
	require.NoError(t, rt.RegisterReminder(ctx, ref, Reminder{Name: "wake", DueTime: "150ms", Data: []byte("7am")}))
	require.True(t, rt.IsActive(ref))

	require.NoError(t, rt.Deactivate(ctx, ref))
	require.False(t, rt.IsActive(ref))

	assert.Equal(t, "reminder:wake", waitEvent(t, events, 3*time.Second))
	assert.True(t, rt.IsActive(ref), "reminder should reactivate the actor")

	select {
	case e := <-events:
		t.Fatalf("unexpected event %q after deactivation", e)
	case <-time.After(300 * time.Millisecond):
	}

	value, found, err := rt.GetState(ctx, ref, "last-reminder")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "7am", string(value))

	// One-shot reminders are deleted once they fired.
	require.Eventually(t, func() bool {
		_, ok, err := rt.GetReminder(ctx, ref, "wake")
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTimerFiresWhileActive(t *testing.T) {
	events := make(chan string, 16)
	rt := newAlarmRuntime(t, memory.New(), events)
	ref := Ref{Type: "alarm", ID: "hall"}

	require.NoError(t, rt.RegisterTimer(context.Background(), ref, Timer{Name: "tick", Period: "20ms", Callback: "ring"}))
	assert.Equal(t, "timer:ring", waitEvent(t, events, 2*time.Second))
	assert.Equal(t, "timer:ring", waitEvent(t, events, 2*time.Second))

	require.NoError(t, rt.UnregisterTimer(context.Background(), ref, "tick"))
	// Drain a tick that may already be queued.
	time.Sleep(50 * time.Millisecond)
	for len(events) > 0 {
		<-events
	}
	select {
	case e := <-events:
		t.Fatalf("timer fired after unregister: %q", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemindersAreReloadedOnStart(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	ref := Ref{Type: "alarm", ID: "bedroom"}

	first := newAlarmRuntime(t, store, make(chan string, 16))
	require.NoError(t, first.RegisterReminder(ctx, ref, Reminder{Name: "later", DueTime: "1h"}))
	require.NoError(t, first.RegisterReminder(ctx, ref, Reminder{Name: "soon", DueTime: "200ms"}))
	require.NoError(t, first.Stop(ctx))

	list, err := first.Reminders(ctx, "alarm")
	require.NoError(t, err)
	require.Len(t, list, 2)

	events := make(chan string, 16)
	second := newAlarmRuntime(t, store, events)
	require.NoError(t, second.Start(ctx))
	assert.Equal(t, "reminder:soon", waitEvent(t, events, 3*time.Second))
}

func TestRegisterReminderReplacesAndUnregister(t *testing.T) {
	rt := newAlarmRuntime(t, memory.New(), make(chan string, 16))
	ctx := context.Background()
	ref := Ref{Type: "alarm", ID: "1"}

	require.NoError(t, rt.RegisterReminder(ctx, ref, Reminder{Name: "r", DueTime: "1h", Period: "1h"}))
	require.NoError(t, rt.RegisterReminder(ctx, ref, Reminder{Name: "r", DueTime: "2h", Period: "@daily"}))

	rem, ok, err := rt.GetReminder(ctx, ref, "r")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2h", rem.DueTime)
	assert.Equal(t, "@daily", rem.Period)

	list, err := rt.Reminders(ctx, "alarm")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, rt.UnregisterReminder(ctx, ref, "r"))
	_, ok, err = rt.GetReminder(ctx, ref, "r")
	require.NoError(t, err)
	assert.False(t, ok)

	err = rt.RegisterReminder(ctx, ref, Reminder{Name: "bad", Period: "every tuesday"})
	require.Error(t, err)
}

func TestConcurrentReminderRegistration(t *testing.T) {
	rt := newAlarmRuntime(t, memory.New(), make(chan string, 16))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := Ref{Type: "alarm", ID: string(rune('a' + i))}
			assert.NoError(t, rt.RegisterReminder(ctx, ref, Reminder{Name: "r", DueTime: "1h"}))
		}(i)
	}
	wg.Wait()

	list, err := rt.Reminders(ctx, "alarm")
	require.NoError(t, err)
	assert.Len(t, list, 10)
}

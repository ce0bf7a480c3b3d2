package actors

import (
	"context"
	"time"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
)

// Timer is a callback scoped to one activation. Callback defaults to Name.
type Timer struct {
	Name     string `json:"name"`
	DueTime  string `json:"dueTime,omitempty"`
	Period   string `json:"period,omitempty"`
	TTL      string `json:"ttl,omitempty"`
	Callback string `json:"callback,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// RegisterTimer activates ref if needed and schedules t on that activation.
// A timer with the same name is replaced. Timers stop when the actor is
// deactivated. With a multi-host placement the timer lives on the owner.
func (r *Runtime) RegisterTimer(ctx context.Context, ref Ref, t Timer) error {
	const op = "actors.registerTimer"
	if err := validateRef(op, ref); err != nil {
		return err
	}
	if t.Name == "" {
		return errspkg.InvalidArgument(op, "timer name is required")
	}
	if _, err := ParseSchedule(t.DueTime, t.Period, t.TTL, r.now()); err != nil {
		return errspkg.InvalidArgument(op, "%v", err)
	}
	return r.invokeSchedule(ctx, ref, KindRegisterTimer, t.Name, t)
}

func (r *Runtime) registerTimer(ref Ref, t Timer) error {
	const op = "actors.registerTimer"
	if t.Name == "" {
		return errspkg.InvalidArgument(op, "timer name is required")
	}
	if !r.hosts(ref.Type) {
		return errspkg.New(errspkg.KindComponentNotFound, op, "actor type %q is not hosted by %s", ref.Type, r.cfg.AppID)
	}
	sched, err := ParseSchedule(t.DueTime, t.Period, t.TTL, r.now())
	if err != nil {
		return errspkg.InvalidArgument(op, "%v", err)
	}
	if t.Callback == "" {
		t.Callback = t.Name
	}
	a, err := r.activate(ref)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(a.ctx)
	a.timersMu.Lock()
	if prev, ok := a.timers[t.Name]; ok {
		prev()
	}
	a.timers[t.Name] = cancel
	a.timersMu.Unlock()

	go r.runTimer(ctx, a, t, sched)
	return nil
}

// UnregisterTimer stops the named timer of a live activation.
func (r *Runtime) UnregisterTimer(ctx context.Context, ref Ref, name string) error {
	if err := validateRef("actors.unregisterTimer", ref); err != nil {
		return err
	}
	return r.invokeSchedule(ctx, ref, KindUnregisterTimer, name, nil)
}

func (r *Runtime) unregisterTimer(ref Ref, name string) {
	r.mu.Lock()
	a, ok := r.active[ref]
	r.mu.Unlock()
	if !ok {
		return
	}
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	if cancel, ok := a.timers[name]; ok {
		cancel()
		delete(a.timers, name)
	}
}

func (r *Runtime) runTimer(ctx context.Context, a *activation, t Timer, sched Schedule) {
	defer r.dropTimer(ctx, a, t.Name)
	fields := loggingpkg.LogFields{"actor_type": a.ref.Type, "actor_id": a.ref.ID, "timer": t.Name}

	for at := sched.NextAfter(r.now().Add(-time.Nanosecond)); !at.IsZero(); at = sched.Following(at, r.now()) {
		if !sleepUntil(ctx, at.Sub(r.now())) {
			return
		}
		call := Call{Ref: a.ref, Kind: KindTimer, Name: t.Callback, Data: t.Data}
		tr := newTurn(ctx, call)
		queued, err := a.enqueue(ctx, tr)
		if err != nil || !queued {
			return
		}
		select {
		case res := <-tr.reply:
			if res.err != nil {
				r.logger.Error("Actor timer callback failed", res.err, fields)
			}
		case <-ctx.Done():
			return
		}
	}
}

// dropTimer forgets the timer unless a newer registration replaced it.
func (r *Runtime) dropTimer(ctx context.Context, a *activation, name string) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()
	if cancel, ok := a.timers[name]; ok && ctx.Err() == nil {
		cancel()
		delete(a.timers, name)
	}
}

// sleepUntil waits d and reports false when ctx ended first.
func sleepUntil(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

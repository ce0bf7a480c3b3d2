package actors

import (
	"context"
	"time"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	"github.com/drblury/outrigger/internal/runtime/state"
)

const reminderWriteAttempts = 5

// Reminder is a durable callback of one actor. It is stored in the actor
// state store and fires whether or not the actor is active.
type Reminder struct {
	ActorType    string    `json:"actorType"`
	ActorID      string    `json:"actorId"`
	Name         string    `json:"name"`
	DueTime      string    `json:"dueTime,omitempty"`
	Period       string    `json:"period,omitempty"`
	TTL          string    `json:"ttl,omitempty"`
	Data         []byte    `json:"data,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

func (rem Reminder) Ref() Ref {
	return Ref{Type: rem.ActorType, ID: rem.ActorID}
}

func (rem Reminder) key() string {
	return rem.Ref().String() + keySeparator + rem.Name
}

func (rem Reminder) schedule() (Schedule, error) {
	return ParseSchedule(rem.DueTime, rem.Period, rem.TTL, rem.RegisteredAt)
}

// RegisterReminder persists rem for ref and schedules it on the host that
// owns ref. A reminder with the same name is replaced.
func (r *Runtime) RegisterReminder(ctx context.Context, ref Ref, rem Reminder) error {
	const op = "actors.registerReminder"
	if err := validateRef(op, ref); err != nil {
		return err
	}
	if rem.Name == "" {
		return errspkg.InvalidArgument(op, "reminder name is required")
	}
	rem.ActorType, rem.ActorID = ref.Type, ref.ID
	if rem.RegisteredAt.IsZero() {
		rem.RegisteredAt = r.now().UTC()
	}
	if _, err := rem.schedule(); err != nil {
		return errspkg.InvalidArgument(op, "%v", err)
	}
	return r.invokeSchedule(ctx, ref, KindRegisterReminder, rem.Name, rem)
}

func (r *Runtime) registerReminder(ctx context.Context, ref Ref, rem Reminder) error {
	const op = "actors.registerReminder"
	if rem.Name == "" {
		return errspkg.InvalidArgument(op, "reminder name is required")
	}
	rem.ActorType, rem.ActorID = ref.Type, ref.ID
	if rem.RegisteredAt.IsZero() {
		rem.RegisteredAt = r.now().UTC()
	}
	sched, err := rem.schedule()
	if err != nil {
		return errspkg.InvalidArgument(op, "%v", err)
	}

	err = r.updateReminders(ctx, ref.Type, func(list []Reminder) []Reminder {
		for i := range list {
			if list[i].ActorID == rem.ActorID && list[i].Name == rem.Name {
				list[i] = rem
				return list
			}
		}
		return append(list, rem)
	})
	if err != nil {
		return err
	}
	r.scheduleReminder(rem, sched)
	return nil
}

// UnregisterReminder deletes the named reminder of ref.
func (r *Runtime) UnregisterReminder(ctx context.Context, ref Ref, name string) error {
	if err := validateRef("actors.unregisterReminder", ref); err != nil {
		return err
	}
	return r.invokeSchedule(ctx, ref, KindUnregisterReminder, name, nil)
}

func (r *Runtime) unregisterReminder(ctx context.Context, ref Ref, name string) error {
	r.cancelReminder(Reminder{ActorType: ref.Type, ActorID: ref.ID, Name: name}.key())
	return r.updateReminders(ctx, ref.Type, func(list []Reminder) []Reminder {
		return removeReminder(list, ref.ID, name)
	})
}

// GetReminder returns the stored reminder, false when none exists.
func (r *Runtime) GetReminder(ctx context.Context, ref Ref, name string) (Reminder, bool, error) {
	if err := validateRef("actors.getReminder", ref); err != nil {
		return Reminder{}, false, err
	}
	list, _, err := r.readReminders(ctx, ref.Type)
	if err != nil {
		return Reminder{}, false, err
	}
	for _, rem := range list {
		if rem.ActorID == ref.ID && rem.Name == name {
			return rem, true, nil
		}
	}
	return Reminder{}, false, nil
}

// Reminders lists the stored reminders of an actor type.
func (r *Runtime) Reminders(ctx context.Context, actorType string) ([]Reminder, error) {
	list, _, err := r.readReminders(ctx, actorType)
	return list, err
}

func removeReminder(list []Reminder, actorID, name string) []Reminder {
	out := list[:0]
	for _, rem := range list {
		if rem.ActorID == actorID && rem.Name == name {
			continue
		}
		out = append(out, rem)
	}
	return out
}

func (r *Runtime) readReminders(ctx context.Context, actorType string) ([]Reminder, *string, error) {
	resp, err := r.store.Get(ctx, RemindersKey(actorType))
	if err != nil {
		if errspkg.KindOf(err) == errspkg.KindUnknown {
			err = errspkg.BackendUnavailable("actors.reminders", err).WithComponent(r.cfg.StoreName)
		}
		return nil, nil, err
	}
	if !resp.Found || len(resp.Value) == 0 {
		return nil, nil, nil
	}
	var list []Reminder
	if err := jsoncodec.Unmarshal(resp.Value, &list); err != nil {
		return nil, nil, errspkg.Wrap(errspkg.KindInternal, "actors.reminders", err)
	}
	return list, resp.ETag, nil
}

// updateReminders applies mutate to the reminder list of actorType with an
// etag guarded write, retrying when another writer got there first.
func (r *Runtime) updateReminders(ctx context.Context, actorType string, mutate func([]Reminder) []Reminder) error {
	const op = "actors.reminders"
	r.remMu.Lock()
	defer r.remMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < reminderWriteAttempts; attempt++ {
		list, etag, err := r.readReminders(ctx, actorType)
		if err != nil {
			return err
		}
		list = mutate(list)
		value, err := jsoncodec.Marshal(list)
		if err != nil {
			return errspkg.Wrap(errspkg.KindInternal, op, err)
		}
		err = r.store.Set(ctx, state.SetRequest{Key: RemindersKey(actorType), Value: value, ETag: etag})
		if err == nil {
			return nil
		}
		if !errspkg.IsKind(err, errspkg.KindPreconditionFailed) {
			if errspkg.KindOf(err) == errspkg.KindUnknown {
				err = errspkg.BackendUnavailable(op, err).WithComponent(r.cfg.StoreName)
			}
			return err
		}
		lastErr = err
	}
	return lastErr
}

// loadReminders schedules every stored reminder of actorType.
func (r *Runtime) loadReminders(ctx context.Context, actorType string) error {
	list, _, err := r.readReminders(ctx, actorType)
	if err != nil {
		return err
	}
	for _, rem := range list {
		sched, err := rem.schedule()
		if err != nil {
			r.logger.Error("Skipping unreadable reminder", err, loggingpkg.LogFields{"actor_type": rem.ActorType, "actor_id": rem.ActorID, "reminder": rem.Name})
			continue
		}
		r.scheduleReminder(rem, sched)
	}
	if len(list) > 0 {
		r.logger.Info("Loaded actor reminders", loggingpkg.LogFields{"actor_type": actorType, "count": len(list)})
	}
	return nil
}

func (r *Runtime) scheduleReminder(rem Reminder, sched Schedule) {
	if p := r.cfg.Placement; p != nil && p.Owner(rem.Ref()) != p.Self() {
		return
	}
	if r.rootCtx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.rootCtx)
	r.remMu.Lock()
	if prev, ok := r.scheduled[rem.key()]; ok {
		prev()
	}
	r.scheduled[rem.key()] = cancel
	r.remMu.Unlock()

	r.wg.Add(1)
	go r.runReminder(ctx, rem, sched)
}

func (r *Runtime) cancelReminder(key string) {
	r.remMu.Lock()
	defer r.remMu.Unlock()
	if cancel, ok := r.scheduled[key]; ok {
		cancel()
		delete(r.scheduled, key)
	}
}

func (r *Runtime) runReminder(ctx context.Context, rem Reminder, sched Schedule) {
	defer r.wg.Done()
	fields := loggingpkg.LogFields{"actor_type": rem.ActorType, "actor_id": rem.ActorID, "reminder": rem.Name}

	at := sched.NextAfter(r.now().Add(-time.Nanosecond))
	if at.IsZero() {
		// A one-shot whose time passed while no host was running.
		at = r.now()
	}
	for !at.IsZero() {
		if !sleepUntil(ctx, at.Sub(r.now())) {
			return
		}
		_, err := r.Invoke(ctx, Call{Ref: rem.Ref(), Kind: KindReminder, Name: rem.Name, Data: rem.Data})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Actor reminder failed", err, fields)
		}
		at = sched.Following(at, r.now())
	}

	// Schedule exhausted: forget the reminder unless it was re-registered.
	r.remMu.Lock()
	cancelFn, ok := r.scheduled[rem.key()]
	current := ok && ctx.Err() == nil
	if current {
		delete(r.scheduled, rem.key())
	}
	r.remMu.Unlock()
	if !current {
		return
	}
	cancelFn()
	err := r.updateReminders(context.Background(), rem.ActorType, func(list []Reminder) []Reminder {
		return removeReminder(list, rem.ActorID, rem.Name)
	})
	if err != nil {
		r.logger.Error("Failed to delete finished reminder", err, fields)
	}
}

package actors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	"github.com/drblury/outrigger/internal/runtime/state"
)

// Actor is a Go actor run in process by a Host. The runtime never calls an
// instance concurrently.
type Actor interface {
	Invoke(ctx context.Context, turn *Turn, method string, data []byte) ([]byte, error)
}

// Reminded is implemented by actors that receive reminders.
type Reminded interface {
	Remind(ctx context.Context, turn *Turn, name string, data []byte) error
}

// Deactivated is implemented by actors that want to run a last turn before
// they are unloaded.
type Deactivated interface {
	OnDeactivate(ctx context.Context, turn *Turn) error
}

// Backend is what a Host reads state from and registers timers and reminders
// with: the local Runtime, or a sidecar client when actors run in the
// application.
type Backend interface {
	GetState(ctx context.Context, ref Ref, key string) ([]byte, bool, error)
	RegisterTimer(ctx context.Context, ref Ref, t Timer) error
	UnregisterTimer(ctx context.Context, ref Ref, name string) error
	RegisterReminder(ctx context.Context, ref Ref, rem Reminder) error
	UnregisterReminder(ctx context.Context, ref Ref, name string) error
}

// Factory creates the instance behind ref on activation.
type Factory func(ref Ref) Actor

// Host is an Invoker running registered Go actor types in process.
type Host struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[Ref]Actor
	backend   Backend
}

func NewHost() *Host {
	return &Host{factories: make(map[string]Factory), instances: make(map[Ref]Actor)}
}

// Register adds an actor type. Register before the Runtime is created so the
// type is part of its configuration.
func (h *Host) Register(actorType string, f Factory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factories[actorType] = f
}

// Types lists the registered actor types, sorted.
func (h *Host) Types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.factories))
	for t := range h.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (h *Host) bind(rt *Runtime) { h.Attach(rt) }

// Attach sets the backend turns read through. NewRuntime attaches itself.
func (h *Host) Attach(b Backend) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backend = b
}

func (h *Host) instance(ref Ref) (Actor, Backend, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.instances[ref]; ok {
		return a, h.backend, nil
	}
	f, ok := h.factories[ref.Type]
	if !ok {
		return nil, nil, errspkg.New(errspkg.KindComponentNotFound, "actors.host", "no actor type %q registered", ref.Type)
	}
	a := f(ref)
	h.instances[ref] = a
	return a, h.backend, nil
}

func (h *Host) InvokeActor(ctx context.Context, call Call) (Result, error) {
	if call.Kind == KindDeactivate {
		return h.deactivate(ctx, call.Ref)
	}
	a, backend, err := h.instance(call.Ref)
	if err != nil {
		return Result{}, err
	}
	turn := newHostTurn(call.Ref, backend)

	var data []byte
	switch call.Kind {
	case KindReminder:
		r, ok := a.(Reminded)
		if !ok {
			return Result{}, errspkg.New(errspkg.KindOperationNotSupported, "actors.reminder", "actor type %q does not accept reminders", call.Ref.Type)
		}
		err = r.Remind(ctx, turn, call.Name, call.Data)
	default:
		data, err = a.Invoke(ctx, turn, call.Name, call.Data)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Data: data, Ops: turn.ops()}, nil
}

func (h *Host) deactivate(ctx context.Context, ref Ref) (Result, error) {
	h.mu.Lock()
	a, ok := h.instances[ref]
	delete(h.instances, ref)
	backend := h.backend
	h.mu.Unlock()
	if !ok {
		return Result{}, nil
	}
	d, ok := a.(Deactivated)
	if !ok {
		return Result{}, nil
	}
	turn := newHostTurn(ref, backend)
	if err := d.OnDeactivate(ctx, turn); err != nil {
		return Result{}, err
	}
	return Result{Ops: turn.ops()}, nil
}

// Turn gives a Go actor staged access to its state. Reads see the writes of
// the same turn; nothing is stored until the turn succeeds.
type Turn struct {
	ref    Ref
	b      Backend
	staged map[string]StateOp
	order  []string
}

func newHostTurn(ref Ref, b Backend) *Turn {
	return &Turn{ref: ref, b: b, staged: make(map[string]StateOp)}
}

func (t *Turn) Ref() Ref { return t.ref }

func (t *Turn) backend() (Backend, error) {
	if t.b == nil {
		return nil, fmt.Errorf("actor %s is not bound to a runtime", t.ref)
	}
	return t.b, nil
}

// RegisterTimer starts a timer on the current activation.
func (t *Turn) RegisterTimer(ctx context.Context, timer Timer) error {
	b, err := t.backend()
	if err != nil {
		return err
	}
	return b.RegisterTimer(ctx, t.ref, timer)
}

func (t *Turn) UnregisterTimer(ctx context.Context, name string) error {
	b, err := t.backend()
	if err != nil {
		return err
	}
	return b.UnregisterTimer(ctx, t.ref, name)
}

// RegisterReminder persists a reminder for the current actor.
func (t *Turn) RegisterReminder(ctx context.Context, rem Reminder) error {
	b, err := t.backend()
	if err != nil {
		return err
	}
	return b.RegisterReminder(ctx, t.ref, rem)
}

func (t *Turn) UnregisterReminder(ctx context.Context, name string) error {
	b, err := t.backend()
	if err != nil {
		return err
	}
	return b.UnregisterReminder(ctx, t.ref, name)
}

func (t *Turn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if op, ok := t.staged[key]; ok {
		if op.Type == state.Delete {
			return nil, false, nil
		}
		return append([]byte(nil), op.Value...), true, nil
	}
	b, err := t.backend()
	if err != nil {
		return nil, false, err
	}
	return b.GetState(ctx, t.ref, key)
}

func (t *Turn) Set(key string, value []byte) {
	t.stage(StateOp{Type: state.Upsert, Key: key, Value: append([]byte(nil), value...)})
}

func (t *Turn) Delete(key string) {
	t.stage(StateOp{Type: state.Delete, Key: key})
}

// GetJSON decodes the value of key into v and reports whether it exists.
func (t *Turn) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := t.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return true, jsoncodec.Unmarshal(raw, v)
}

func (t *Turn) SetJSON(key string, v any) error {
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		return err
	}
	t.Set(key, raw)
	return nil
}

func (t *Turn) stage(op StateOp) {
	if _, ok := t.staged[op.Key]; !ok {
		t.order = append(t.order, op.Key)
	}
	t.staged[op.Key] = op
}

func (t *Turn) ops() []StateOp {
	out := make([]StateOp, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.staged[k])
	}
	return out
}

// Package actors is the virtual actor runtime.
//
// An actor is addressed by type and id and activated on its first call. Each
// activation owns a mailbox goroutine that runs one turn at a time, so actor
// code never sees concurrent calls. State written during a turn is staged
// and committed in one transaction when the turn succeeds. Reminders are
// persisted in the actor state store and outlive activations; timers belong
// to a single activation.
package actors

import (
	"context"
	"strings"

	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/state"
)

const keySeparator = state.KeySeparator

// Ref addresses one actor instance.
type Ref struct {
	Type string `json:"actorType"`
	ID   string `json:"actorId"`
}

func (r Ref) String() string {
	return r.Type + keySeparator + r.ID
}

// CallKind tells the invoker why a turn runs.
type CallKind string

const (
	KindMethod     CallKind = "method"
	KindReminder   CallKind = "reminder"
	KindTimer      CallKind = "timer"
	KindDeactivate CallKind = "deactivate"

	// Scheduling calls carry a Timer or Reminder in Data and are applied by
	// the host that owns the actor instead of being run as a turn.
	KindRegisterTimer      CallKind = "registerTimer"
	KindUnregisterTimer    CallKind = "unregisterTimer"
	KindRegisterReminder   CallKind = "registerReminder"
	KindUnregisterReminder CallKind = "unregisterReminder"
)

// Call is one turn delivered to an Invoker. Name is the method, reminder or
// timer callback name.
type Call struct {
	Ref      Ref                  `json:"ref"`
	Kind     CallKind             `json:"kind"`
	Name     string               `json:"name"`
	Data     []byte               `json:"data,omitempty"`
	Metadata metadatapkg.Metadata `json:"metadata,omitempty"`
}

// StateOp is a staged state change of a turn.
type StateOp struct {
	Type  state.OperationType `json:"operation"`
	Key   string              `json:"key"`
	Value []byte              `json:"value,omitempty"`
}

// Result is what an Invoker hands back after a turn. Ops are committed only
// when the turn returns no error.
type Result struct {
	Data     []byte               `json:"data,omitempty"`
	Metadata metadatapkg.Metadata `json:"metadata,omitempty"`
	Ops      []StateOp            `json:"ops,omitempty"`
}

// Response is the caller's view of a finished turn.
type Response struct {
	Data     []byte               `json:"data,omitempty"`
	Metadata metadatapkg.Metadata `json:"metadata,omitempty"`
}

// Invoker executes actor turns, in process or in the application.
type Invoker interface {
	InvokeActor(ctx context.Context, call Call) (Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, call Call) (Result, error)

func (f InvokerFunc) InvokeActor(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}

// StateKey is the store key of an actor state entry:
// <appID>||<type>||<id>||<key>.
func StateKey(appID string, ref Ref, key string) string {
	return strings.Join([]string{appID, ref.Type, ref.ID, key}, keySeparator)
}

// RemindersKey is the store key holding every reminder of an actor type.
func RemindersKey(actorType string) string {
	return strings.Join([]string{"actors", actorType, "reminders"}, keySeparator)
}

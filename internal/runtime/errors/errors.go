package errors

import (
	"context"
	sterrors "errors"
	"fmt"
)

// Kind classifies runtime failures so callers can branch on them across the
// sidecar boundary.
type Kind string

const (
	KindUnknown               Kind = ""
	KindComponentNotFound     Kind = "ComponentNotFound"
	KindPreconditionFailed    Kind = "PreconditionFailed"
	KindTransactionAborted    Kind = "TransactionAborted"
	KindDeadlineExceeded      Kind = "DeadlineExceeded"
	KindOperationNotSupported Kind = "OperationNotSupported"
	KindBackendUnavailable    Kind = "BackendUnavailable"
	KindInvalidArgument       Kind = "InvalidArgument"
	KindInternal              Kind = "Internal"
)

var (
	ErrComponentNotFound     = sterrors.New("outrigger: component not found")
	ErrPreconditionFailed    = sterrors.New("outrigger: precondition failed")
	ErrTransactionAborted    = sterrors.New("outrigger: transaction aborted")
	ErrDeadlineExceeded      = sterrors.New("outrigger: deadline exceeded")
	ErrOperationNotSupported = sterrors.New("outrigger: operation not supported")
	ErrBackendUnavailable    = sterrors.New("outrigger: backend unavailable")
	ErrInvalidArgument       = sterrors.New("outrigger: invalid argument")
	ErrInternal              = sterrors.New("outrigger: internal error")
)

var (
	ErrAppIDRequired     = sterrors.New("outrigger: app id is required")
	ErrStoreRequired     = sterrors.New("outrigger: store name is required")
	ErrKeyRequired       = sterrors.New("outrigger: key is required")
	ErrTopicRequired     = sterrors.New("outrigger: topic is required")
	ErrHandlerRequired   = sterrors.New("outrigger: handler function is required")
	ErrPublisherRequired = sterrors.New("outrigger: publisher is required")
	ErrActorTypeRequired = sterrors.New("outrigger: actor type is required")
	ErrActorIDRequired   = sterrors.New("outrigger: actor id is required")
	ErrChannelClosed     = sterrors.New("outrigger: channel is closed")

	ErrPayloadTypeRequired  = sterrors.New("outrigger: payload type is required")
	ErrPayloadPointerNeeded = sterrors.New("outrigger: payload type must be a pointer")
)

var sentinels = map[Kind]error{
	KindComponentNotFound:     ErrComponentNotFound,
	KindPreconditionFailed:    ErrPreconditionFailed,
	KindTransactionAborted:    ErrTransactionAborted,
	KindDeadlineExceeded:      ErrDeadlineExceeded,
	KindOperationNotSupported: ErrOperationNotSupported,
	KindBackendUnavailable:    ErrBackendUnavailable,
	KindInvalidArgument:       ErrInvalidArgument,
	KindInternal:              ErrInternal,
}

// Error is the typed failure returned by every runtime capability.
type Error struct {
	Kind Kind
	// Op names the failing operation, for example "state.save".
	Op string
	// Component is the logical component name involved, if any.
	Component string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	prefix := "outrigger"
	if e.Op != "" {
		prefix += ": " + e.Op
	}
	if e.Component != "" {
		prefix += " [" + e.Component + "]"
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", prefix, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel, so errors.Is(err, ErrPreconditionFailed) holds
// for any *Error of kind PreconditionFailed.
func (e *Error) Is(target error) bool {
	if sentinel, ok := sentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.Op == "" && other.Component == ""
}

// New builds a typed error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithComponent returns a copy of e scoped to the named component.
func (e *Error) WithComponent(name string) *Error {
	clone := *e
	clone.Component = name
	return &clone
}

func ComponentNotFound(kind, name string) *Error {
	return &Error{
		Kind:      KindComponentNotFound,
		Op:        kind + ".resolve",
		Component: name,
		Message:   fmt.Sprintf("no %s component named %q", kind, name),
	}
}

func PreconditionFailed(op, key string) *Error {
	return &Error{Kind: KindPreconditionFailed, Op: op, Message: fmt.Sprintf("etag mismatch for key %q", key)}
}

func TransactionAborted(op string, err error) *Error {
	return &Error{Kind: KindTransactionAborted, Op: op, Err: err}
}

func OperationNotSupported(op, operation string, supported []string) *Error {
	return &Error{
		Kind:    KindOperationNotSupported,
		Op:      op,
		Message: fmt.Sprintf("operation %q is not supported (supported: %v)", operation, supported),
	}
}

func BackendUnavailable(op string, err error) *Error {
	return &Error{Kind: KindBackendUnavailable, Op: op, Err: err}
}

func InvalidArgument(op, format string, args ...any) *Error {
	return New(KindInvalidArgument, op, format, args...)
}

// KindOf reports the kind carried by err. Context deadlines map to
// DeadlineExceeded even when they were never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if sterrors.As(err, &typed) {
		return typed.Kind
	}
	for kind, sentinel := range sentinels {
		if sterrors.Is(err, sentinel) {
			return kind
		}
	}
	if sterrors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindUnknown
}

// Sentinel returns the comparable error for kind, or nil for unknown kinds.
func Sentinel(kind Kind) error {
	return sentinels[kind]
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

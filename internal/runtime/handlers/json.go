package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/drblury/outrigger/internal/runtime/cloudevents"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
)

// JSONMessageContext exposes the decoded payload of a JSON event.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageHandler processes one decoded JSON event.
type JSONMessageHandler[T any] func(ctx context.Context, event JSONMessageContext[T]) error

// BuildJSONHandler converts a typed handler into a Func. T must be a pointer
// type. A payload that does not decode is dead-lettered, redelivering it
// cannot help.
func BuildJSONHandler[T any](handler JSONMessageHandler[T], logger loggingpkg.ServiceLogger) (Func, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, evt Event) error {
		payload, err := evt.Payload()
		if err != nil {
			return cloudevents.ErrDeadLetterWithReason("unreadable payload", err)
		}

		typed := prototypeFactory()
		if err := jsoncodec.Unmarshal(payload, typed); err != nil {
			return cloudevents.ErrDeadLetterWithReason("decode json", fmt.Errorf("failed to unmarshal %T payload: %w", typed, err))
		}

		return handler(ctx, JSONMessageContext[T]{
			MessageContextBase: newBase(evt, logger),
			Payload:            typed,
		})
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrPayloadPointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}

// SchemaOf names the payload type for the event schema metadata key.
func SchemaOf(v any) string {
	return fmt.Sprintf("%T", v)
}

package handlers

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/outrigger/internal/runtime/cloudevents"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
)

// ContentTypeProtobuf marks binary protobuf payloads. Anything else is read
// as protojson.
const ContentTypeProtobuf = "application/protobuf"

// ProtoMessageContext provides typed access to a protobuf event.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageHandler processes one decoded protobuf event.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) error

// BuildProtoHandler converts a typed handler into a Func. validate, when set,
// runs on every decoded payload; a payload it rejects is dead-lettered.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], validate func(proto.Message) error, logger loggingpkg.ServiceLogger) (Func, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, evt Event) error {
		typed, err := clonePrototype(prototype)
		if err != nil {
			return err
		}
		payload, err := evt.Payload()
		if err != nil {
			return cloudevents.ErrDeadLetterWithReason("unreadable payload", err)
		}
		if err := DecodeProto(payload, evt.ContentType(), typed); err != nil {
			return cloudevents.ErrDeadLetterWithReason("decode protobuf", fmt.Errorf("failed to unmarshal %T payload: %w", prototype, err))
		}
		if validate != nil {
			if err := validate(typed); err != nil {
				return cloudevents.ErrDeadLetterWithReason("invalid payload", err)
			}
		}

		return handler(ctx, ProtoMessageContext[T]{
			MessageContextBase: newBase(evt, logger),
			Payload:            typed,
		})
	}, nil
}

// IsProtobuf reports whether contentType names binary protobuf.
func IsProtobuf(contentType string) bool {
	mediaType, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	mediaType = strings.TrimSpace(mediaType)
	return mediaType == ContentTypeProtobuf || mediaType == "application/x-protobuf"
}

// DecodeProto reads binary protobuf or protojson depending on contentType.
func DecodeProto(data []byte, contentType string, msg proto.Message) error {
	if IsProtobuf(contentType) {
		return proto.Unmarshal(data, msg)
	}
	return protojson.Unmarshal(data, msg)
}

// EncodeProto is the inverse of DecodeProto.
func EncodeProto(msg proto.Message, contentType string) ([]byte, error) {
	if isNilProto(msg) {
		return nil, errspkg.ErrPayloadTypeRequired
	}
	if IsProtobuf(contentType) {
		return proto.Marshal(msg)
	}
	return protojson.Marshal(msg)
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrPayloadTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

// EnsureProtoPrototype allocates a message when candidate is a typed nil
// pointer, so callers may pass (*pb.Order)(nil) as the prototype.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrPayloadTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrPayloadPointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

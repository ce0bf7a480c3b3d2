// Package queue is the "bindings.queue" binding. It rides on any broker
// backend of the transport registry: "create" publishes to the configured
// topic and the input side delivers every message of that topic.
package queue

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outrigger/internal/runtime/bindings"
	"github.com/drblury/outrigger/internal/runtime/components"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	idspkg "github.com/drblury/outrigger/internal/runtime/ids"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/transport"
)

const (
	ComponentType = "bindings.queue"

	// PropertyTransport names the backend, "channel" when unset.
	PropertyTransport = "transport"
	PropertyTopic     = "topic"
	// PropertyDirection limits the binding to "input" or "output".
	PropertyDirection = "direction"
)

// Build creates the backend; tests replace it.
var Build = transport.Build

func init() {
	components.Register(ComponentType, func(ctx context.Context, spec components.Spec, deps components.Deps) (any, error) {
		backend := spec.Metadata.String(PropertyTransport, "channel")
		topic, err := spec.Metadata.Required(PropertyTopic)
		if err != nil {
			return nil, err
		}
		t, err := Build(ctx, backend, transport.Config{Name: spec.Name, AppID: deps.AppID, Metadata: spec.Metadata}, deps.WatermillLogger)
		if err != nil {
			return nil, err
		}
		b := New(t, topic, deps.Logger)
		switch spec.Metadata.String(PropertyDirection, "") {
		case "input":
			return inputOnly{b}, nil
		case "output":
			return outputOnly{b}, nil
		case "":
			return b, nil
		default:
			_ = t.Close()
			return nil, fmt.Errorf("metadata %q must be input or output", PropertyDirection)
		}
	})
}

// Binding publishes to and consumes from one topic.
type Binding struct {
	transport transport.Transport
	topic     string
	logger    loggingpkg.ServiceLogger
}

func New(t transport.Transport, topic string, logger loggingpkg.ServiceLogger) *Binding {
	return &Binding{transport: t, topic: topic, logger: loggingpkg.OrDiscard(logger)}
}

func (b *Binding) Operations() []string {
	return []string{bindings.OperationCreate}
}

func (b *Binding) Invoke(ctx context.Context, req bindings.InvokeRequest) (bindings.InvokeResponse, error) {
	if req.Operation != bindings.OperationCreate {
		return bindings.InvokeResponse{}, errspkg.OperationNotSupported("bindings.queue.invoke", req.Operation, b.Operations())
	}
	id := idspkg.CreateULID()
	msg := message.NewMessage(id, req.Data)
	msg.Metadata = metadatapkg.ToWatermill(req.Metadata)
	msg.SetContext(ctx)
	if err := b.transport.Publisher.Publish(b.topic, msg); err != nil {
		return bindings.InvokeResponse{}, err
	}
	return bindings.InvokeResponse{Metadata: map[string]string{"messageID": id}}, nil
}

// Read acks a message when handler succeeds and nacks it otherwise, leaving
// redelivery to the backend.
func (b *Binding) Read(ctx context.Context, handler bindings.Handler) error {
	messages, err := b.transport.Subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			b.handle(ctx, msg, handler)
		}
	}
}

func (b *Binding) handle(ctx context.Context, msg *message.Message, handler bindings.Handler) {
	md := metadatapkg.FromWatermill(msg.Metadata).With("messageID", msg.UUID)
	if _, err := handler(ctx, bindings.ReadResponse{Data: msg.Payload, Metadata: md}); err != nil {
		b.logger.Error("Queue binding handler failed", err, loggingpkg.LogFields{
			"topic":      b.topic,
			"message_id": msg.UUID,
		})
		msg.Metadata.Set(transport.MetadataError, err.Error())
		msg.Nack()
		return
	}
	msg.Ack()
}

func (b *Binding) Close() error {
	return b.transport.Close()
}

type inputOnly struct{ b *Binding }

func (i inputOnly) Read(ctx context.Context, h bindings.Handler) error { return i.b.Read(ctx, h) }
func (i inputOnly) Close() error                                      { return i.b.Close() }

type outputOnly struct{ b *Binding }

func (o outputOnly) Operations() []string { return o.b.Operations() }
func (o outputOnly) Invoke(ctx context.Context, req bindings.InvokeRequest) (bindings.InvokeResponse, error) {
	return o.b.Invoke(ctx, req)
}
func (o outputOnly) Close() error { return o.b.Close() }

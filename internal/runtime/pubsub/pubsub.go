// Package pubsub is the publish side of the pub/sub capability and the bridge
// from the broker backends of the transport registry to components.
//
// Every published payload is wrapped in a CloudEvents envelope carrying the
// publishing app id, the routing, the caller's trace context and, when
// ttlInSeconds is given, an absolute expiration.
package pubsub

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outrigger/internal/runtime/api"
	"github.com/drblury/outrigger/internal/runtime/cloudevents"
	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	idspkg "github.com/drblury/outrigger/internal/runtime/ids"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/tracing"
	"github.com/drblury/outrigger/transport"
)

// TypePrefix prefixes the component type of every backend.
const TypePrefix = config.KindPubSub + "."

// Component is a built pubsub component.
type Component struct {
	transport.Transport

	Name         string
	Backend      string
	Capabilities transport.Capabilities
}

func (c *Component) Close() error { return c.Transport.Close() }

// Register exposes every backend of treg as component type
// "pubsub.<backend>" in reg. Call it after the backend packages are imported.
func Register(reg *components.Registry, treg *transport.Registry) {
	for _, name := range treg.Names() {
		reg.Register(TypePrefix+name, factory(treg, name))
	}
}

func factory(treg *transport.Registry, backend string) components.Factory {
	return func(ctx context.Context, spec components.Spec, deps components.Deps) (any, error) {
		t, err := treg.Build(ctx, backend, transport.Config{Name: spec.Name, AppID: deps.AppID, Metadata: spec.Metadata}, deps.WatermillLogger)
		if err != nil {
			return nil, err
		}
		caps := treg.GetCapabilities(backend)
		if p, ok := t.Publisher.(transport.CapabilitiesProvider); ok {
			caps = p.Capabilities()
		}
		return &Component{Transport: t, Name: spec.Name, Backend: backend, Capabilities: caps}, nil
	}
}

// Engine publishes to pubsub components of a table.
type Engine struct {
	table  *components.Table
	appID  string
	logger loggingpkg.ServiceLogger
	now    func() time.Time
}

func NewEngine(table *components.Table, appID string, logger loggingpkg.ServiceLogger) *Engine {
	return &Engine{table: table, appID: appID, logger: loggingpkg.OrDiscard(logger), now: time.Now}
}

// Resolve returns the component named name.
func (e *Engine) Resolve(name string) (*Component, error) {
	return components.Resolve[*Component](e.table, config.KindPubSub, name)
}

// Names lists the pubsub components, sorted.
func (e *Engine) Names() []string {
	return e.table.Names(config.KindPubSub)
}

// Publish wraps req.Data in a CloudEvent and hands it to the backend. It
// returns the event id. Publishing is fire-and-forget and never retried
// here.
func (e *Engine) Publish(ctx context.Context, req api.PublishRequest) (string, error) {
	const op = "pubsub.publish"
	if req.PubSubName == "" {
		return "", errspkg.InvalidArgument(op, "pubsub name is required")
	}
	if strings.TrimSpace(req.Topic) == "" {
		return "", errspkg.Wrap(errspkg.KindInvalidArgument, op, errspkg.ErrTopicRequired)
	}
	comp, err := e.Resolve(req.PubSubName)
	if err != nil {
		return "", err
	}

	md := metadatapkg.Metadata(req.Metadata)
	contentType := req.ContentType
	if contentType == "" {
		contentType = md.ContentType()
	}

	msg, id, err := e.message(ctx, req, md, contentType)
	if err != nil {
		if errspkg.KindOf(err) != errspkg.KindUnknown {
			return "", err
		}
		return "", errspkg.InvalidArgument(op, "%v", err).WithComponent(req.PubSubName)
	}
	msg.SetContext(ctx)

	if err := comp.Publisher.Publish(req.Topic, msg); err != nil {
		return "", errspkg.BackendUnavailable(op, err).WithComponent(req.PubSubName)
	}
	e.logger.Debug("Published event", loggingpkg.LogFields{
		"pubsub":   req.PubSubName,
		"topic":    req.Topic,
		"event_id": id,
		"trace_id": tracing.TraceID(ctx),
	})
	return id, nil
}

func (e *Engine) message(ctx context.Context, req api.PublishRequest, md metadatapkg.Metadata, contentType string) (*message.Message, string, error) {
	ttl, hasTTL, err := md.TTL()
	if err != nil {
		return nil, "", errspkg.InvalidArgument("pubsub.publish", "invalid %s: %v", metadatapkg.KeyTTLInSeconds, err)
	}
	headers := tracing.Inject(ctx, md.Without(metadatapkg.KeyTTLInSeconds, metadatapkg.KeyRawPayload, metadatapkg.KeyContentType))

	if md.Bool(metadatapkg.KeyRawPayload) {
		msg := message.NewMessage(idspkg.CreateULID(), append([]byte(nil), req.Data...))
		msg.Metadata = metadatapkg.ToWatermill(headers.With(metadatapkg.KeyContentType, contentType))
		return msg, msg.UUID, nil
	}

	evt, err := cloudevents.FromPayload(e.appID, req.Data, contentType)
	if err != nil {
		return nil, "", err
	}
	cloudevents.SetRouting(&evt, req.PubSubName, req.Topic)
	cloudevents.SetTraceContext(&evt, headers.Get(metadatapkg.KeyTraceParent), headers.Get(metadatapkg.KeyTraceState))
	if hasTTL {
		cloudevents.SetExpiration(&evt, e.now().Add(ttl))
	}
	if key := md.Get(metadatapkg.KeyPartitionKey); key != "" {
		evt.Extensions[cloudevents.ExtPartitionKey] = key
	}

	payload, err := jsoncodec.Marshal(evt)
	if err != nil {
		return nil, "", err
	}
	msg := message.NewMessage(evt.ID, payload)
	msg.Metadata = metadatapkg.ToWatermill(headers.With(metadatapkg.KeyContentType, cloudevents.ContentType))
	return msg, evt.ID, nil
}

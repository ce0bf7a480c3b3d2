package app

import (
	"context"

	"github.com/drblury/outrigger/internal/runtime/actors"
	"github.com/drblury/outrigger/internal/runtime/api"
	"github.com/drblury/outrigger/internal/runtime/bindings"
	"github.com/drblury/outrigger/internal/runtime/cloudevents"
	"github.com/drblury/outrigger/internal/runtime/config"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/rpc"
)

// Caller is the sidecar side of the app channel.
type Caller struct {
	client *rpc.Client
}

func NewCaller(client *rpc.Client) *Caller {
	return &Caller{client: client}
}

// Config asks the application for its declared subscriptions, actor types
// and bindings.
func (c *Caller) Config(ctx context.Context) (Config, error) {
	var cfg Config
	_, err := c.client.Invoke(ctx, rpc.CapabilityApp, OpConfig, nil, &cfg, nil)
	return cfg, err
}

// DeliverEvent hands evt to the route of sub and converts the answered
// status into a handler outcome: nil, ErrRetry, ErrSkip or ErrDeadLetter. A
// failed call is returned as is and counts as a retry.
func (c *Caller) DeliverEvent(ctx context.Context, sub config.Subscription, evt cloudevents.Event, md metadatapkg.Metadata) error {
	payload, err := jsoncodec.Marshal(evt)
	if err != nil {
		return cloudevents.ErrDeadLetterWithReason("encode event", err)
	}
	md = md.WithAll(metadatapkg.Metadata{
		MetadataRoute:              sub.Route,
		MetadataPubSubName:         sub.PubSubName,
		MetadataTopic:              sub.Topic,
		metadatapkg.KeyContentType: cloudevents.ContentType,
	})
	resp, err := c.client.Call(ctx, rpc.Request{Capability: rpc.CapabilityApp, Operation: OpEvent, Payload: payload, Metadata: md})
	if err != nil {
		return err
	}
	var out EventResponse
	if len(resp.Payload) > 0 {
		if err := rpc.Decode(resp.Payload, &out); err != nil {
			return err
		}
	}
	return cloudevents.ErrorFromStatus(out.Status)
}

// DeliverBinding hands one input binding event to the application.
func (c *Caller) DeliverBinding(ctx context.Context, name string, in bindings.ReadResponse) ([]byte, error) {
	md := metadatapkg.Metadata(in.Metadata).With(MetadataBinding, name)
	resp, err := c.client.Call(ctx, rpc.Request{Capability: rpc.CapabilityApp, Operation: OpBinding, Payload: in.Data, Metadata: md})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Invoke runs a service invocation addressed to this application.
func (c *Caller) Invoke(ctx context.Context, req api.InvokeRequest) (api.InvokeResponse, error) {
	md := metadatapkg.Metadata(req.Metadata).WithAll(metadatapkg.Metadata{
		MetadataMethod:   req.Method,
		MetadataHTTPVerb: req.HTTPVerb,
	})
	if req.ContentType != "" {
		md = md.With(metadatapkg.KeyContentType, req.ContentType)
	}
	resp, err := c.client.Call(ctx, rpc.Request{Capability: rpc.CapabilityApp, Operation: OpInvoke, Payload: req.Data, Metadata: md})
	if err != nil {
		return api.InvokeResponse{}, err
	}
	return api.InvokeResponse{Data: resp.Payload, ContentType: resp.Metadata.Get(metadatapkg.KeyContentType)}, nil
}

// InvokeActor implements actors.Invoker for actors hosted by the
// application.
func (c *Caller) InvokeActor(ctx context.Context, call actors.Call) (actors.Result, error) {
	var res actors.Result
	_, err := c.client.Invoke(ctx, rpc.CapabilityApp, OpActor, call, &res, call.Metadata)
	return res, err
}

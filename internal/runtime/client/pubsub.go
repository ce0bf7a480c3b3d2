package client

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/outrigger/internal/runtime/api"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/handlers"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/rpc"
)

// PublishOption customises a publish request.
type PublishOption func(*api.PublishRequest)

// WithContentType sets the content type of the payload.
func WithContentType(ct string) PublishOption {
	return func(r *api.PublishRequest) { r.ContentType = ct }
}

// WithTTL expires the event when it was not delivered within ttl.
func WithTTL(ttl time.Duration) PublishOption {
	return withMetadataEntry(metadatapkg.KeyTTLInSeconds, strconv.Itoa(int(ttl.Seconds())))
}

// WithRawPayload publishes the data without a CloudEvents envelope.
func WithRawPayload() PublishOption {
	return withMetadataEntry(metadatapkg.KeyRawPayload, "true")
}

// WithPublishMetadata adds metadata to the event.
func WithPublishMetadata(md map[string]string) PublishOption {
	return func(r *api.PublishRequest) {
		r.Metadata = metadatapkg.Metadata(r.Metadata).WithAll(md)
	}
}

func withMetadataEntry(key, value string) PublishOption {
	return func(r *api.PublishRequest) {
		r.Metadata = metadatapkg.Metadata(r.Metadata).With(key, value)
	}
}

// PublishEvent hands data to the broker behind pubsub. It returns the event
// id. Delivery is not confirmed and the call is never retried.
func (c *Client) PublishEvent(ctx context.Context, pubsub, topic string, data []byte, opts ...PublishOption) (string, error) {
	if topic == "" {
		return "", errspkg.ErrTopicRequired
	}
	req := api.PublishRequest{PubSubName: pubsub, Topic: topic, Data: data}
	for _, opt := range opts {
		opt(&req)
	}
	var out api.PublishResponse
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityPubSub, api.OpPublish, req, &out, nil)
	return out.ID, err
}

// PublishJSON encodes v as JSON and records its Go type as the event schema.
func (c *Client) PublishJSON(ctx context.Context, pubsub, topic string, v any, opts ...PublishOption) (string, error) {
	if v == nil {
		return "", errspkg.ErrPayloadTypeRequired
	}
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return "", errspkg.InvalidArgument("pubsub.publish", "encode payload: %v", err)
	}
	opts = append([]PublishOption{
		WithContentType(metadatapkg.DefaultContentType),
		withMetadataEntry(metadatapkg.KeyEventSchema, handlers.SchemaOf(v)),
	}, opts...)
	return c.PublishEvent(ctx, pubsub, topic, data, opts...)
}

// PublishProto encodes msg as protojson, or binary protobuf when the content
// type option asks for it, and records the message type as the event schema.
func (c *Client) PublishProto(ctx context.Context, pubsub, topic string, msg proto.Message, opts ...PublishOption) (string, error) {
	req := api.PublishRequest{ContentType: metadatapkg.DefaultContentType}
	for _, opt := range opts {
		opt(&req)
	}
	data, err := handlers.EncodeProto(msg, req.ContentType)
	if err != nil {
		return "", err
	}
	opts = append([]PublishOption{
		WithContentType(req.ContentType),
		withMetadataEntry(metadatapkg.KeyEventSchema, handlers.SchemaOf(msg)),
	}, opts...)
	return c.PublishEvent(ctx, pubsub, topic, data, opts...)
}

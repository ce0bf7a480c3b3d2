package rpc

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/tracing"
)

// Operation names shared by the client and the sidecar handlers.
const (
	OpProbe = "probe"
	OpGet   = "get"
)

// DefaultIdempotent lists the methods retried on BackendUnavailable. Writes,
// publishes, binding invocations and actor calls are never retried.
var DefaultIdempotent = []string{
	Method(CapabilityState, "get"),
	Method(CapabilityState, "bulk_get"),
	Method(CapabilitySecrets, "get"),
	Method(CapabilitySecrets, "bulk_get"),
	Method(CapabilityMetadata, OpGet),
	Method(CapabilityHealth, OpProbe),
	Method(CapabilityActors, "get_state"),
}

// RetryPolicy tunes retries of idempotent methods.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = eb
	if p.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Client issues traced, time-bounded calls over a Channel.
type Client struct {
	channel    Channel
	timeout    time.Duration
	retry      RetryPolicy
	idempotent map[string]struct{}
	tracing    *tracing.Interceptor
	appID      string
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithTimeout bounds every call. Zero disables the bound.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRetryPolicy sets the retry policy of idempotent methods.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithIdempotentMethods replaces the retried method set.
func WithIdempotentMethods(methods ...string) ClientOption {
	return func(c *Client) {
		c.idempotent = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			c.idempotent[m] = struct{}{}
		}
	}
}

// WithClientTracerProvider sets the provider of client spans.
func WithClientTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) { c.tracing = tracing.New(tp) }
}

// WithCallerAppID stamps outgoing requests with the calling app id.
func WithCallerAppID(appID string) ClientOption {
	return func(c *Client) { c.appID = appID }
}

// NewClient wraps channel. Tracing is always installed.
func NewClient(channel Channel, opts ...ClientOption) *Client {
	c := &Client{
		channel: channel,
		timeout: 30 * time.Second,
		retry:   RetryPolicy{MaxRetries: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second},
	}
	WithIdempotentMethods(DefaultIdempotent...)(c)
	for _, opt := range opts {
		opt(c)
	}
	if c.tracing == nil {
		c.tracing = tracing.New(nil)
	}
	return c
}

// Channel returns the underlying channel.
func (c *Client) Channel() Channel { return c.channel }

// Call sends req and returns its response. A response carrying an error
// status is returned together with the reconstructed typed error.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	ctx, span, md := c.tracing.Outbound(ctx, req.Method(), trace.SpanKindClient, req.Metadata,
		attribute.String("rpc.capability", req.Capability),
		attribute.String("rpc.operation", req.Operation),
	)
	req.Metadata = c.stamp(md)

	resp, err := c.callWithRetry(ctx, req)
	if err == nil && resp.Error != nil {
		err = resp.Error.Err()
	}
	tracing.End(span, err)
	return resp, err
}

func (c *Client) callWithRetry(ctx context.Context, req Request) (Response, error) {
	if _, ok := c.idempotent[req.Method()]; !ok {
		return c.callOnce(ctx, req)
	}

	var resp Response
	op := func() error {
		var err error
		resp, err = c.callOnce(ctx, req)
		if err == nil && resp.Error != nil {
			err = resp.Error.Err()
		}
		if err != nil && !errspkg.IsKind(err, errspkg.KindBackendUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, c.retry.backoff(ctx))
	if err != nil && resp.Error != nil && errspkg.IsKind(err, resp.Error.Kind) {
		return resp, nil
	}
	if err != nil && ctx.Err() != nil {
		return Response{}, contextError(req.Method(), ctx.Err())
	}
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (c *Client) callOnce(ctx context.Context, req Request) (Response, error) {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.channel.Call(callCtx, req)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return Response{}, contextError(req.Method(), callCtx.Err())
		}
		if errspkg.KindOf(err) == errspkg.KindUnknown {
			err = errspkg.BackendUnavailable(req.Method(), err)
		}
		return Response{}, err
	}
	return resp, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Client) stamp(md metadatapkg.Metadata) metadatapkg.Metadata {
	if c.appID == "" || md.Get(callerKey) != "" {
		return md
	}
	return md.With(callerKey, c.appID)
}

// Invoke encodes in, calls capability/operation and decodes the response
// payload into out. out may be nil.
func (c *Client) Invoke(ctx context.Context, capability, operation string, in, out any, md metadatapkg.Metadata) (metadatapkg.Metadata, error) {
	payload, err := encode(in)
	if err != nil {
		return nil, errspkg.InvalidArgument(Method(capability, operation), "encode request: %v", err)
	}
	resp, err := c.Call(ctx, Request{Capability: capability, Operation: operation, Payload: payload, Metadata: md})
	if err != nil {
		return resp.Metadata, err
	}
	if out != nil && len(resp.Payload) > 0 {
		if err := decode(resp.Payload, out); err != nil {
			return resp.Metadata, errspkg.Wrap(errspkg.KindInternal, Method(capability, operation), err)
		}
	}
	return resp.Metadata, nil
}

// Stream opens a traced stream. The per-call timeout bounds the whole stream.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Frame, error) {
	ctx, span, md := c.tracing.Outbound(ctx, "stream:"+req.Method(), trace.SpanKindClient, req.Metadata)
	req.Metadata = c.stamp(md)

	streamCtx, cancel := c.withTimeout(ctx)
	frames, err := c.channel.Stream(streamCtx, req)
	if err != nil {
		cancel()
		if errspkg.KindOf(err) == errspkg.KindUnknown {
			err = errspkg.BackendUnavailable(req.Method(), err)
		}
		tracing.End(span, err)
		return nil, err
	}

	out := make(chan Frame)
	go func() {
		defer cancel()
		defer close(out)
		var streamErr error
		for {
			select {
			case f, ok := <-frames:
				if !ok {
					tracing.End(span, streamErr)
					return
				}
				if f.Error != nil {
					streamErr = f.Error.Err()
				}
				select {
				case out <- f:
				case <-ctx.Done():
					tracing.End(span, ctx.Err())
					return
				}
			case <-streamCtx.Done():
				err := contextError(req.Method(), streamCtx.Err())
				select {
				case out <- Frame{Error: StatusFromError(err)}:
				case <-ctx.Done():
				}
				tracing.End(span, err)
				return
			}
		}
	}()
	return out, nil
}

// Healthz probes the sidecar.
func (c *Client) Healthz(ctx context.Context) error {
	_, err := c.Call(ctx, Request{Capability: CapabilityHealth, Operation: OpProbe})
	return err
}

// WaitForSidecar polls Healthz with backoff until it succeeds or ctx ends.
func (c *Client) WaitForSidecar(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = 0
	err := backoff.Retry(func() error { return c.Healthz(ctx) }, backoff.WithContext(eb, ctx))
	if err != nil && ctx.Err() != nil {
		return contextError(Method(CapabilityHealth, OpProbe), ctx.Err())
	}
	return err
}

// Close closes the channel.
func (c *Client) Close() error {
	return c.channel.Close()
}

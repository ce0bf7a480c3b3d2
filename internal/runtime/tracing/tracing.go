// Package tracing propagates W3C trace context across every runtime hop.
//
// The Interceptor is owned by the rpc client and server, the subscription
// router and the app channel. Callers never start spans for runtime calls
// themselves, so no call can skip propagation.
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
)

// TracerName is the instrumentation scope of runtime spans.
const TracerName = "github.com/drblury/outrigger"

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

var (
	defaultProviderOnce sync.Once
	defaultProvider     trace.TracerProvider
)

// DefaultProvider returns the provider used when none is configured. It is a
// real SDK provider, so calls without an incoming trace still get a valid,
// freshly generated trace id.
func DefaultProvider() trace.TracerProvider {
	defaultProviderOnce.Do(func() {
		defaultProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		)
	})
	return defaultProvider
}

// Carrier exposes metadata as an OpenTelemetry text map carrier.
type Carrier metadatapkg.Metadata

func (c Carrier) Get(key string) string { return c[key] }

func (c Carrier) Set(key, value string) { c[key] = value }

func (c Carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// Interceptor starts spans around runtime hops and moves their context in
// and out of metadata.
type Interceptor struct {
	tracer trace.Tracer
}

// New builds an Interceptor. A nil provider selects DefaultProvider.
func New(tp trace.TracerProvider) *Interceptor {
	if tp == nil {
		tp = DefaultProvider()
	}
	return &Interceptor{tracer: tp.Tracer(TracerName)}
}

// Outbound starts a client or producer span for an outgoing hop and returns
// metadata carrying its context. When ctx holds no span a new trace is minted.
// The input metadata is never modified.
func (i *Interceptor) Outbound(ctx context.Context, name string, kind trace.SpanKind, md metadatapkg.Metadata, attrs ...attribute.KeyValue) (context.Context, trace.Span, metadatapkg.Metadata) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := i.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
	out := md.Clone()
	propagator.Inject(ctx, Carrier(out))
	return ctx, span, out
}

// Inbound extracts the remote context from md and starts a server or
// consumer span as its child.
func (i *Interceptor) Inbound(ctx context.Context, name string, kind trace.SpanKind, md metadatapkg.Metadata, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = Extract(ctx, md)
	return i.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// Extract returns ctx enriched with the remote span context found in md.
func Extract(ctx context.Context, md metadatapkg.Metadata) context.Context {
	if len(md) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, Carrier(md.Clone()))
}

// Inject writes the span context of ctx into a copy of md.
func Inject(ctx context.Context, md metadatapkg.Metadata) metadatapkg.Metadata {
	out := md.Clone()
	propagator.Inject(ctx, Carrier(out))
	return out
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the hex trace id of ctx, or "" when ctx carries no valid span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanContextFrom reads the remote span context carried by md.
func SpanContextFrom(md metadatapkg.Metadata) trace.SpanContext {
	return trace.SpanContextFromContext(Extract(context.Background(), md))
}

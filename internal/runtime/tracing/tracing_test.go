package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
)

func newRecordingInterceptor() (*Interceptor, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return New(tp), rec
}

func TestOutboundMintsTraceWhenMissing(t *testing.T) {
	icpt, _ := newRecordingInterceptor()

	ctx, span, md := icpt.Outbound(context.Background(), "state/get", trace.SpanKindClient, nil)
	defer span.End()

	require.NotEmpty(t, md[metadatapkg.KeyTraceParent], "traceparent must be injected")
	assert.NotEmpty(t, TraceID(ctx))
	assert.Equal(t, TraceID(ctx), SpanContextFrom(md).TraceID().String())
}

func TestTraceIDSurvivesOutboundInboundOutbound(t *testing.T) {
	icpt, rec := newRecordingInterceptor()

	clientCtx, clientSpan, md := icpt.Outbound(context.Background(), "pubsub/publish", trace.SpanKindClient, metadatapkg.Metadata{"k": "v"})
	serverCtx, serverSpan := icpt.Inbound(context.Background(), "pubsub/publish", trace.SpanKindServer, md)
	_, downstreamSpan, downstreamMD := icpt.Outbound(serverCtx, "broker/publish", trace.SpanKindProducer, nil)

	End(downstreamSpan, nil)
	End(serverSpan, nil)
	End(clientSpan, nil)

	want := TraceID(clientCtx)
	assert.Equal(t, want, TraceID(serverCtx))
	assert.Equal(t, want, SpanContextFrom(downstreamMD).TraceID().String())
	assert.Equal(t, "v", md["k"], "existing metadata must be preserved")

	spans := rec.Ended()
	require.Len(t, spans, 3)
	for _, s := range spans {
		assert.Equal(t, want, s.SpanContext().TraceID().String())
	}
}

func TestOutboundDoesNotMutateInput(t *testing.T) {
	icpt, _ := newRecordingInterceptor()
	in := metadatapkg.Metadata{"a": "1"}
	_, span, _ := icpt.Outbound(context.Background(), "x", trace.SpanKindClient, in)
	span.End()
	assert.Len(t, in, 1)
}

func TestEndRecordsError(t *testing.T) {
	icpt, rec := newRecordingInterceptor()
	_, span := icpt.Inbound(context.Background(), "state/save", trace.SpanKindServer, nil)
	End(span, errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestDefaultProviderMintsValidSpans(t *testing.T) {
	ctx, span, md := New(nil).Outbound(context.Background(), "probe", trace.SpanKindClient, nil)
	defer span.End()
	assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
	assert.NotEmpty(t, md[metadatapkg.KeyTraceParent])
}

func TestInjectExtractHelpers(t *testing.T) {
	icpt, _ := newRecordingInterceptor()
	ctx, span := icpt.Inbound(context.Background(), "root", trace.SpanKindServer, nil)
	defer span.End()

	md := Inject(ctx, nil)
	assert.Equal(t, TraceID(ctx), TraceID(Extract(context.Background(), md)))
	assert.Empty(t, TraceID(context.Background()))
}

package rpc

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/tracing"
)

type echoIn struct {
	Text string `json:"text"`
}

type echoOut struct {
	Text    string `json:"text"`
	TraceID string `json:"traceId"`
	Caller  string `json:"caller"`
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	s := NewServer(opts...)
	s.Handle("test", "echo", JSONHandler(func(ctx context.Context, in echoIn, req Request) (echoOut, error) {
		return echoOut{Text: in.Text, TraceID: tracing.TraceID(ctx), Caller: req.Metadata.Get(metadatapkg.KeyCallerAppID)}, nil
	}))
	s.Handle("test", "fail", func(context.Context, Request) (Response, error) {
		return Response{}, errspkg.PreconditionFailed("test.fail", "k1")
	})
	s.Handle("test", "slow", func(ctx context.Context, _ Request) (Response, error) {
		select {
		case <-time.After(2 * time.Second):
			return Response{}, nil
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	})
	s.Handle("test", "panic", func(context.Context, Request) (Response, error) {
		panic("boom")
	})
	s.HandleStream("test", "count", func(ctx context.Context, req Request, send func(Frame) error) error {
		for i := 0; i < 3; i++ {
			payload, _ := Encode(i)
			if err := send(Frame{Payload: payload}); err != nil {
				return err
			}
		}
		if req.Metadata.Bool("fail") {
			return errspkg.New(errspkg.KindBackendUnavailable, "test.count", "gone")
		}
		return nil
	})
	return s
}

func collect(t *testing.T, frames <-chan Frame) []Frame {
	t.Helper()
	var out []Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatalf("stream did not finish")
		}
	}
}

func TestServeUnknownMethod(t *testing.T) {
	s := NewServer()
	resp := s.Serve(context.Background(), Request{Capability: "state", Operation: "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errspkg.KindOperationNotSupported, resp.Error.Kind)
}

func TestServeRecoversPanics(t *testing.T) {
	s := newTestServer(t)
	resp := s.Serve(context.Background(), Request{Capability: "test", Operation: "panic"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errspkg.KindInternal, resp.Error.Kind)
}

func TestInterceptorsRunInOrder(t *testing.T) {
	var order []string
	mk := func(name string) Interceptor {
		return func(ctx context.Context, req Request, next Handler) (Response, error) {
			order = append(order, name)
			return next(ctx, req)
		}
	}
	s := newTestServer(t, WithInterceptors(mk("a"), mk("b")))
	resp := s.Serve(context.Background(), Request{Capability: "test", Operation: "echo"})
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestServerMetricsCountResults(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	again, err := NewMetrics(reg)
	require.NoError(t, err, "second registration reuses collectors")

	s := newTestServer(t, WithMetrics(m))
	s.Serve(context.Background(), Request{Capability: "test", Operation: "echo"})
	s.Serve(context.Background(), Request{Capability: "test", Operation: "fail"})

	assert.Same(t, m.requests, again.requests)
	assert.Equal(t, 1.0, counterValue(t, reg, "outrigger_rpc_requests_total", "test/echo", "ok"))
	assert.Equal(t, 1.0, counterValue(t, reg, "outrigger_rpc_requests_total", "test/fail", string(errspkg.KindPreconditionFailed)))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, method, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["method"] == method && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRateLimitRejectsPerCaller(t *testing.T) {
	s := newTestServer(t, WithRateLimit(NewKeyedLimiter(1, 1, time.Minute)))
	req := Request{Capability: "test", Operation: "echo", Metadata: metadatapkg.New(metadatapkg.KeyCallerAppID, "a")}

	assert.Nil(t, s.Serve(context.Background(), req).Error)
	resp := s.Serve(context.Background(), req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, errspkg.KindBackendUnavailable, resp.Error.Kind)

	other := Request{Capability: "test", Operation: "echo", Metadata: metadatapkg.New(metadatapkg.KeyCallerAppID, "b")}
	assert.Nil(t, s.Serve(context.Background(), other).Error)
}

func TestKeyedLimiterNilAllows(t *testing.T) {
	var l *KeyedLimiter
	assert.True(t, l.Allow("x", time.Now()))
	assert.Nil(t, NewKeyedLimiter(0, 1, 0))
}

func TestLoopbackCallDoesNotShareBuffers(t *testing.T) {
	s := NewServer()
	s.Handle("test", "mutate", func(_ context.Context, req Request) (Response, error) {
		req.Payload[0] = 'X'
		return Response{Payload: req.Payload}, nil
	})
	lb := NewLoopback(s)
	defer lb.Close()

	payload := []byte("abc")
	resp, err := lb.Call(context.Background(), Request{Capability: "test", Operation: "mutate", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "Xbc", string(resp.Payload))
	assert.Equal(t, "abc", string(payload))
}

func TestLoopbackClosedChannel(t *testing.T) {
	lb := NewLoopback(newTestServer(t))
	require.NoError(t, lb.Close())
	_, err := lb.Call(context.Background(), Request{Capability: "test", Operation: "echo"})
	assert.ErrorIs(t, err, errspkg.ErrBackendUnavailable)
}

func TestLoopbackCallsRacingCloseFailFast(t *testing.T) {
	for round := 0; round < 20; round++ {
		lb := NewLoopback(newTestServer(t))
		payload, err := Encode(echoIn{Text: "hi"})
		require.NoError(t, err)

		const callers = 32
		errs := make(chan error, callers)
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			go func() {
				<-start
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				resp, err := lb.Call(ctx, Request{Capability: "test", Operation: "echo", Payload: payload})
				if err == nil && resp.Error != nil {
					err = resp.Error.Err()
				}
				errs <- err
			}()
		}
		close(start)
		require.NoError(t, lb.Close())

		began := time.Now()
		for i := 0; i < callers; i++ {
			if err := <-errs; err != nil {
				assert.True(t, errspkg.IsKind(err, errspkg.KindBackendUnavailable), "got %v", err)
			}
		}
		assert.Less(t, time.Since(began), time.Second)

		_, err = lb.Call(context.Background(), Request{Capability: "test", Operation: "echo"})
		assert.True(t, errspkg.IsKind(err, errspkg.KindBackendUnavailable), "got %v", err)
	}
}

func TestLoopbackStream(t *testing.T) {
	lb := NewLoopback(newTestServer(t))
	defer lb.Close()

	frames, err := lb.Stream(context.Background(), Request{Capability: "test", Operation: "count"})
	require.NoError(t, err)
	got := collect(t, frames)
	require.Len(t, got, 3)
	var last int
	require.NoError(t, Decode(got[2].Payload, &last))
	assert.Equal(t, 2, last)

	frames, err = lb.Stream(context.Background(), Request{Capability: "test", Operation: "count", Metadata: metadatapkg.New("fail", "true")})
	require.NoError(t, err)
	got = collect(t, frames)
	require.Len(t, got, 4)
	require.NotNil(t, got[3].Error)
	assert.Equal(t, errspkg.KindBackendUnavailable, got[3].Error.Kind)
}

func TestClientRoundTripCarriesTypedErrors(t *testing.T) {
	lb := NewLoopback(newTestServer(t))
	c := NewClient(lb, WithCallerAppID("orders"))
	defer c.Close()

	var out echoOut
	_, err := c.Invoke(context.Background(), "test", "echo", echoIn{Text: "hi"}, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Text)
	assert.Equal(t, "orders", out.Caller)
	assert.NotEmpty(t, out.TraceID, "a trace is minted when the caller has none")

	_, err = c.Invoke(context.Background(), "test", "fail", nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrPreconditionFailed)
	assert.Contains(t, err.Error(), "test.fail")
}

func TestClientTimeoutIsDeadlineExceeded(t *testing.T) {
	lb := NewLoopback(newTestServer(t))
	c := NewClient(lb, WithTimeout(50*time.Millisecond))
	defer c.Close()

	start := time.Now()
	_, err := c.Call(context.Background(), Request{Capability: "test", Operation: "slow"})
	require.Error(t, err)
	assert.True(t, errspkg.IsKind(err, errspkg.KindDeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

type flakyChannel struct {
	calls    atomic.Int32
	failures int32
}

func (f *flakyChannel) Call(context.Context, Request) (Response, error) {
	if f.calls.Add(1) <= f.failures {
		return Response{}, errors.New("connection refused")
	}
	return Response{Payload: []byte(`"ok"`)}, nil
}

func (f *flakyChannel) Stream(context.Context, Request) (<-chan Frame, error) {
	return nil, errors.New("unsupported")
}

func (f *flakyChannel) Close() error { return nil }

func TestClientRetriesOnlyIdempotentMethods(t *testing.T) {
	policy := WithRetryPolicy(RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})

	ch := &flakyChannel{failures: 2}
	c := NewClient(ch, policy)
	_, err := c.Call(context.Background(), Request{Capability: CapabilityState, Operation: "get"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), ch.calls.Load())

	ch = &flakyChannel{failures: 2}
	c = NewClient(ch, policy)
	_, err = c.Call(context.Background(), Request{Capability: CapabilityState, Operation: "save"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrBackendUnavailable)
	assert.Equal(t, int32(1), ch.calls.Load())
}

func TestClientAndServerShareTraceID(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	lb := NewLoopback(newTestServer(t, WithServerTracerProvider(tp)))
	c := NewClient(lb, WithClientTracerProvider(tp))
	defer c.Close()

	_, err := c.Invoke(context.Background(), "test", "echo", echoIn{}, nil, nil)
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[0].SpanContext().TraceID(), spans[1].SpanContext().TraceID())
}

func TestWaitForSidecar(t *testing.T) {
	s := NewServer()
	var ready atomic.Bool
	s.Handle(CapabilityHealth, OpProbe, func(context.Context, Request) (Response, error) {
		if !ready.Load() {
			return Response{}, errspkg.New(errspkg.KindBackendUnavailable, "health.probe", "starting")
		}
		return Response{}, nil
	})
	lb := NewLoopback(s)
	c := NewClient(lb)
	defer c.Close()

	time.AfterFunc(100*time.Millisecond, func() { ready.Store(true) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForSidecar(ctx))
}

func TestHTTPChannelEndToEnd(t *testing.T) {
	srv := httptest.NewServer(NewHTTPRouter(newTestServer(t)))
	defer srv.Close()

	ch, err := NewHTTPChannel(srv.URL, nil)
	require.NoError(t, err)
	c := NewClient(ch, WithCallerAppID("web"))
	defer c.Close()

	var out echoOut
	_, err = c.Invoke(context.Background(), "test", "echo", echoIn{Text: "over http"}, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, "over http", out.Text)
	assert.Equal(t, "web", out.Caller)

	_, err = c.Invoke(context.Background(), "test", "fail", nil, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrPreconditionFailed)

	_, err = c.Invoke(context.Background(), "test", "missing", nil, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrOperationNotSupported)

	frames, err := c.Stream(context.Background(), Request{Capability: "test", Operation: "count", Metadata: metadatapkg.New("fail", "true")})
	require.NoError(t, err)
	got := collect(t, frames)
	require.Len(t, got, 4)
	require.NotNil(t, got[3].Error)
	assert.Equal(t, errspkg.KindBackendUnavailable, got[3].Error.Kind)
}

func TestHTTPChannelUnreachable(t *testing.T) {
	ch, err := NewHTTPChannel("127.0.0.1:1", nil)
	require.NoError(t, err)
	_, err = ch.Call(context.Background(), Request{Capability: "test", Operation: "echo"})
	assert.ErrorIs(t, err, errspkg.ErrBackendUnavailable)
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 404, HTTPStatus(errspkg.KindComponentNotFound))
	assert.Equal(t, 409, HTTPStatus(errspkg.KindPreconditionFailed))
	assert.Equal(t, 501, HTTPStatus(errspkg.KindOperationNotSupported))
	assert.Equal(t, 500, HTTPStatus(errspkg.KindUnknown))
}

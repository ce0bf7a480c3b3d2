package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	"github.com/drblury/outrigger/internal/runtime/tracing"
)

// Handler serves a unary operation.
type Handler func(ctx context.Context, req Request) (Response, error)

// StreamHandler serves a streamed operation by calling send once per frame.
// Returning an error ends the stream with an error frame.
type StreamHandler func(ctx context.Context, req Request, send func(Frame) error) error

// Interceptor wraps unary handling. Interceptors run in registration order,
// inside the tracing span and outside the metrics observation.
type Interceptor func(ctx context.Context, req Request, next Handler) (Response, error)

// Server dispatches requests to registered handlers.
type Server struct {
	mu      sync.RWMutex
	unary   map[string]Handler
	streams map[string]StreamHandler

	interceptors []Interceptor
	tracing      *tracing.Interceptor
	logger       loggingpkg.ServiceLogger
	metrics      *Metrics
	limiter      *KeyedLimiter
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithServerTracerProvider sets the provider of server spans.
func WithServerTracerProvider(tp trace.TracerProvider) ServerOption {
	return func(s *Server) { s.tracing = tracing.New(tp) }
}

// WithServerLogger sets the server logger.
func WithServerLogger(log loggingpkg.ServiceLogger) ServerOption {
	return func(s *Server) { s.logger = log }
}

// WithInterceptors appends unary interceptors.
func WithInterceptors(interceptors ...Interceptor) ServerOption {
	return func(s *Server) { s.interceptors = append(s.interceptors, interceptors...) }
}

// WithMetrics records per-operation counters and latencies.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimit limits requests per caller app id.
func WithRateLimit(limiter *KeyedLimiter) ServerOption {
	return func(s *Server) { s.limiter = limiter }
}

// NewServer builds a Server. Tracing is always installed.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		unary:   make(map[string]Handler),
		streams: make(map[string]StreamHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracing == nil {
		s.tracing = tracing.New(nil)
	}
	s.logger = loggingpkg.OrDiscard(s.logger)
	return s
}

// Handle registers a unary handler, replacing any previous one.
func (s *Server) Handle(capability, operation string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unary[Method(capability, operation)] = h
}

// HandleStream registers a streaming handler.
func (s *Server) HandleStream(capability, operation string, h StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[Method(capability, operation)] = h
}

// Methods lists registered unary and stream routes, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.unary)+len(s.streams))
	for m := range s.unary {
		out = append(out, m)
	}
	for m := range s.streams {
		out = append(out, "stream:"+m)
	}
	sort.Strings(out)
	return out
}

// Serve runs req through the interceptor chain. Failures are reported in the
// Response, never as a Go error, so every channel encodes them identically.
func (s *Server) Serve(ctx context.Context, req Request) Response {
	start := time.Now()
	ctx, span := s.tracing.Inbound(ctx, req.Method(), trace.SpanKindServer, req.Metadata,
		attribute.String("rpc.capability", req.Capability),
		attribute.String("rpc.operation", req.Operation),
	)

	resp, err := s.serve(ctx, req)
	if err != nil {
		resp = Response{Error: StatusFromError(err)}
		s.logger.Debug("Request failed", loggingpkg.LogFields{
			"method":   req.Method(),
			"kind":     string(resp.Error.Kind),
			"trace_id": tracing.TraceID(ctx),
			"error":    err.Error(),
		})
	}
	tracing.End(span, err)
	s.metrics.observe(req, resp.Error, time.Since(start))
	return resp
}

func (s *Server) serve(ctx context.Context, req Request) (Response, error) {
	if err := s.admit(req); err != nil {
		return Response{}, err
	}

	s.mu.RLock()
	h, ok := s.unary[req.Method()]
	s.mu.RUnlock()
	if !ok {
		return Response{}, errspkg.New(errspkg.KindOperationNotSupported, req.Method(), "no handler registered")
	}

	next := h
	for i := len(s.interceptors) - 1; i >= 0; i-- {
		icpt := s.interceptors[i]
		inner := next
		next = func(ctx context.Context, req Request) (Response, error) {
			return icpt(ctx, req, inner)
		}
	}
	return s.invoke(ctx, req, next)
}

func (s *Server) invoke(ctx context.Context, req Request, h Handler) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.New(errspkg.KindInternal, req.Method(), "handler panic: %v", r)
			s.logger.Error("Handler panicked", err, loggingpkg.LogFields{"method": req.Method()})
		}
	}()
	return h(ctx, req)
}

// ServeStream runs a streaming handler. The returned error is also delivered
// to the peer as the final frame by the channel implementation.
func (s *Server) ServeStream(ctx context.Context, req Request, send func(Frame) error) (err error) {
	start := time.Now()
	ctx, span := s.tracing.Inbound(ctx, "stream:"+req.Method(), trace.SpanKindServer, req.Metadata,
		attribute.String("rpc.capability", req.Capability),
		attribute.String("rpc.operation", req.Operation),
	)
	defer func() {
		if r := recover(); r != nil {
			err = errspkg.New(errspkg.KindInternal, req.Method(), "stream handler panic: %v", r)
		}
		tracing.End(span, err)
		s.metrics.observe(req, StatusFromError(err), time.Since(start))
	}()

	if err := s.admit(req); err != nil {
		return err
	}

	s.mu.RLock()
	h, ok := s.streams[req.Method()]
	s.mu.RUnlock()
	if !ok {
		return errspkg.New(errspkg.KindOperationNotSupported, req.Method(), "no stream handler registered")
	}
	return h(ctx, req, send)
}

func (s *Server) admit(req Request) error {
	if s.limiter == nil {
		return nil
	}
	key := req.Metadata.Get(callerKey)
	if key == "" {
		key = req.Capability
	}
	if !s.limiter.Allow(key, time.Now()) {
		return errspkg.New(errspkg.KindBackendUnavailable, req.Method(), "rate limit exceeded for %s", key)
	}
	return nil
}

// JSONHandler adapts a typed function into a Handler. Payloads are JSON.
func JSONHandler[In, Out any](fn func(ctx context.Context, in In, req Request) (Out, error)) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		var in In
		if len(req.Payload) > 0 {
			if err := decode(req.Payload, &in); err != nil {
				return Response{}, errspkg.InvalidArgument(req.Method(), "decode payload: %v", err)
			}
		}
		out, err := fn(ctx, in, req)
		if err != nil {
			return Response{}, err
		}
		payload, err := encode(out)
		if err != nil {
			return Response{}, fmt.Errorf("encode response: %w", err)
		}
		return Response{Payload: payload}, nil
	}
}

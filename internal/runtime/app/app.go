package app

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drblury/outrigger/internal/runtime/actors"
	"github.com/drblury/outrigger/internal/runtime/cloudevents"
	"github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/handlers"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/rpc"
)

// BindingEvent is one event of an input binding.
type BindingEvent struct {
	Name     string
	Data     []byte
	Metadata metadatapkg.Metadata
}

// BindingHandler consumes input binding events. A returned error hands the
// event back to the binding for redelivery.
type BindingHandler func(ctx context.Context, in BindingEvent) ([]byte, error)

// Invocation is a service invocation addressed to this application.
type Invocation struct {
	Method      string
	HTTPVerb    string
	ContentType string
	Data        []byte
	Metadata    metadatapkg.Metadata
}

// Content is the answer to an Invocation.
type Content struct {
	Data        []byte
	ContentType string
}

type InvocationHandler func(ctx context.Context, in Invocation) (Content, error)

type route struct {
	sub     config.Subscription
	handler handlers.Func
}

// App serves the app capability for the sidecar.
type App struct {
	server     *rpc.Server
	logger     loggingpkg.ServiceLogger
	serverOpts []rpc.ServerOption

	mu       sync.RWMutex
	routes   map[string]route
	bindings map[string]BindingHandler
	methods  map[string]InvocationHandler
	host     *actors.Host
}

type Option func(*App)

func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(a *App) { a.logger = log }
}

// WithServerOptions configures the underlying rpc.Server, for example its
// tracer provider.
func WithServerOptions(opts ...rpc.ServerOption) Option {
	return func(a *App) { a.serverOpts = append(a.serverOpts, opts...) }
}

func New(opts ...Option) *App {
	a := &App{
		routes:   make(map[string]route),
		bindings: make(map[string]BindingHandler),
		methods:  make(map[string]InvocationHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = loggingpkg.OrDiscard(a.logger)
	a.server = rpc.NewServer(append([]rpc.ServerOption{rpc.WithServerLogger(a.logger)}, a.serverOpts...)...)

	a.server.Handle(rpc.CapabilityApp, OpEvent, a.handleEvent)
	a.server.Handle(rpc.CapabilityApp, OpBinding, a.handleBinding)
	a.server.Handle(rpc.CapabilityApp, OpInvoke, a.handleInvoke)
	a.server.Handle(rpc.CapabilityApp, OpActor, rpc.JSONHandler(a.handleActor))
	a.server.Handle(rpc.CapabilityApp, OpConfig, rpc.JSONHandler(func(context.Context, struct{}, rpc.Request) (Config, error) {
		return a.Config(), nil
	}))
	return a
}

// Server returns the rpc server, for serving over a Loopback channel.
func (a *App) Server() *rpc.Server { return a.server }

// Handler serves the app capability over HTTP.
func (a *App) Handler() http.Handler { return rpc.NewHTTPRouter(a.server) }

// ListenAndServe serves HTTP on addr until ctx ends.
func (a *App) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting app channel server", loggingpkg.LogFields{"address": addr})
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// AddTopicHandler subscribes h to sub. Route defaults to "/<topic>" and
// must be unique.
func (a *App) AddTopicHandler(sub config.Subscription, h handlers.Func) error {
	const op = "app.subscribe"
	switch {
	case h == nil:
		return errspkg.ErrHandlerRequired
	case sub.Topic == "":
		return errspkg.ErrTopicRequired
	case sub.PubSubName == "":
		return errspkg.InvalidArgument(op, "pubsub name is required for topic %q", sub.Topic)
	}
	if sub.Route == "" {
		sub.Route = "/" + strings.TrimPrefix(sub.Topic, "/")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.routes[sub.Route]; ok {
		return errspkg.InvalidArgument(op, "route %q is already registered", sub.Route)
	}
	a.routes[sub.Route] = route{sub: sub, handler: h}
	return nil
}

func (a *App) AddBindingHandler(name string, h BindingHandler) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	if name == "" {
		return errspkg.InvalidArgument("app.binding", "binding name is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bindings[name] = h
	return nil
}

func (a *App) AddInvocationHandler(method string, h InvocationHandler) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	method = strings.TrimPrefix(method, "/")
	if method == "" {
		return errspkg.InvalidArgument("app.invoke", "method name is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.methods[method] = h
	return nil
}

// HostActors serves actor turns with h. The sidecar runs the turns one at a
// time per actor and commits the staged state.
func (a *App) HostActors(h *actors.Host) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.host = h
}

// Config lists subscriptions, actor types and input bindings.
func (a *App) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var cfg Config
	for _, r := range a.routes {
		cfg.Subscriptions = append(cfg.Subscriptions, r.sub)
	}
	sort.Slice(cfg.Subscriptions, func(i, j int) bool { return cfg.Subscriptions[i].Route < cfg.Subscriptions[j].Route })
	for name := range a.bindings {
		cfg.Bindings = append(cfg.Bindings, name)
	}
	sort.Strings(cfg.Bindings)
	if a.host != nil {
		cfg.ActorTypes = a.host.Types()
	}
	return cfg
}

func (a *App) handleEvent(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	evt, err := cloudevents.Parse(req.Payload)
	if err != nil {
		return rpc.Response{}, errspkg.InvalidArgument(req.Method(), "%v", err)
	}

	a.mu.RLock()
	r, ok := a.routes[req.Metadata.Get(MetadataRoute)]
	a.mu.RUnlock()
	if !ok {
		a.logger.Info("No handler for route, dropping event", loggingpkg.LogFields{
			"route":    req.Metadata.Get(MetadataRoute),
			"topic":    req.Metadata.Get(MetadataTopic),
			"event_id": evt.ID,
		})
		return eventResponse(cloudevents.StatusDrop)
	}

	err = r.handler(ctx, handlers.Event{
		Event:      evt,
		PubSubName: req.Metadata.Get(MetadataPubSubName),
		Topic:      req.Metadata.Get(MetadataTopic),
		Route:      r.sub.Route,
		Metadata:   req.Metadata,
	})
	status := cloudevents.StatusFromError(err)
	if err != nil {
		a.logger.Error("Topic handler failed", err, loggingpkg.LogFields{
			"route":    r.sub.Route,
			"event_id": evt.ID,
			"status":   status,
		})
	}
	return eventResponse(status)
}

func eventResponse(status string) (rpc.Response, error) {
	payload, err := rpc.Encode(EventResponse{Status: status})
	if err != nil {
		return rpc.Response{}, err
	}
	return rpc.Response{Payload: payload}, nil
}

func (a *App) handleBinding(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	name := req.Metadata.Get(MetadataBinding)
	a.mu.RLock()
	h, ok := a.bindings[name]
	a.mu.RUnlock()
	if !ok {
		return rpc.Response{}, errspkg.ComponentNotFound("bindings", name)
	}
	out, err := h(ctx, BindingEvent{Name: name, Data: req.Payload, Metadata: req.Metadata.Without(MetadataBinding)})
	if err != nil {
		return rpc.Response{}, err
	}
	return rpc.Response{Payload: out}, nil
}

func (a *App) handleInvoke(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	method := strings.TrimPrefix(req.Metadata.Get(MetadataMethod), "/")
	a.mu.RLock()
	h, ok := a.methods[method]
	a.mu.RUnlock()
	if !ok {
		return rpc.Response{}, errspkg.New(errspkg.KindOperationNotSupported, req.Method(), "no handler for method %q", method)
	}
	out, err := h(ctx, Invocation{
		Method:      method,
		HTTPVerb:    req.Metadata.Get(MetadataHTTPVerb),
		ContentType: req.Metadata.ContentType(),
		Data:        req.Payload,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return rpc.Response{}, err
	}
	md := metadatapkg.Metadata{}
	if out.ContentType != "" {
		md = md.With(metadatapkg.KeyContentType, out.ContentType)
	}
	return rpc.Response{Payload: out.Data, Metadata: md}, nil
}

func (a *App) handleActor(ctx context.Context, call actors.Call, _ rpc.Request) (actors.Result, error) {
	a.mu.RLock()
	host := a.host
	a.mu.RUnlock()
	if host == nil {
		return actors.Result{}, errspkg.New(errspkg.KindComponentNotFound, "app.actor", "application hosts no actors")
	}
	return host.InvokeActor(ctx, call)
}

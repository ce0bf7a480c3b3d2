package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/outrigger/internal/runtime/actors"
	"github.com/drblury/outrigger/internal/runtime/app"
	"github.com/drblury/outrigger/internal/runtime/bindings"
	"github.com/drblury/outrigger/internal/runtime/components"
	configpkg "github.com/drblury/outrigger/internal/runtime/config"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	"github.com/drblury/outrigger/internal/runtime/pubsub"
	"github.com/drblury/outrigger/internal/runtime/rpc"
	"github.com/drblury/outrigger/internal/runtime/secretstores"
	"github.com/drblury/outrigger/internal/runtime/state"
	"github.com/drblury/outrigger/internal/runtime/tracing"
	"github.com/drblury/outrigger/transport"
)

// Version is reported by the metadata probe.
var Version = "dev"

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators of a Service. Leave
// fields nil for the defaults.
type ServiceDependencies struct {
	// Registry resolves component types; defaults to components.DefaultRegistry.
	Registry *components.Registry
	// Transports backs the pubsub.* component types; defaults to
	// transport.DefaultRegistry.
	Transports *transport.Registry

	// App is the channel to the application. When nil and Conf.AppAddress is
	// set, an HTTP channel to that address is dialed.
	App rpc.Channel
	// Actors runs actor turns in process instead of in the application.
	Actors *actors.Host

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     DeliveryHooks

	TracerProvider trace.TracerProvider
	Registerer     prometheus.Registerer
}

// Service is the sidecar: it owns the component table, serves the capability
// API and delivers subscriptions and input bindings to the application.
type Service struct {
	Conf     configpkg.Config
	Manifest *configpkg.Manifest
	Logger   loggingpkg.ServiceLogger

	wmLogger watermill.LoggerAdapter
	tracer   trace.TracerProvider
	reg      prometheus.Registerer
	hooks    DeliveryHooks
	now      func() time.Time

	table    *components.Table
	state    *state.Engine
	pubsub   *pubsub.Engine
	bindings *bindings.Engine
	secrets  *secretstores.Engine

	server    *rpc.Server
	appClient *rpc.Client
	app       *app.Caller
	host      *actors.Host
	peers     *peerSet

	actorsMu sync.RWMutex
	actors   *actors.Runtime

	router  *message.Router
	subsMu  sync.RWMutex
	subs    []*subscription
	dlq     *DLQMetrics
	running chan struct{}
	ready   atomic.Bool

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	resourceTracker *resourceTracker
	closeOnce       sync.Once
}

// NewService builds the component table of manifest and registers the
// capability handlers. Subscriptions, actors and input bindings start with
// Start.
func NewService(ctx context.Context, conf configpkg.Config, manifest *configpkg.Manifest, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if manifest == nil {
		manifest = &configpkg.Manifest{}
	}
	if conf.AppID == "" {
		conf.AppID = manifest.AppID
	}
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	log = loggingpkg.OrDiscard(log).With(loggingpkg.LogFields{"app_id": conf.AppID})
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating sidecar service", loggingpkg.LogFields{
		"components": len(manifest.Components),
		"config":     conf.String(),
	})

	s := &Service{
		Conf:            conf,
		Manifest:        manifest,
		Logger:          log,
		wmLogger:        wmLogger,
		tracer:          deps.TracerProvider,
		reg:             deps.Registerer,
		hooks:           deps.Hooks,
		now:             time.Now,
		host:            deps.Actors,
		running:         make(chan struct{}),
		resourceTracker: newResourceTracker(),
	}
	if s.tracer == nil {
		s.tracer = tracing.DefaultProvider()
	}
	if s.reg == nil {
		s.reg = prometheus.DefaultRegisterer
	}

	reg := deps.Registry
	if reg == nil {
		reg = components.DefaultRegistry
	}
	treg := deps.Transports
	if treg == nil {
		treg = transport.DefaultRegistry
	}
	pubsub.Register(reg, treg)

	table, err := components.BuildTable(ctx, reg, manifest.Components, components.Deps{
		AppID:           conf.AppID,
		Logger:          log,
		WatermillLogger: wmLogger,
	})
	if err != nil {
		return nil, err
	}
	s.table = table
	s.state = state.NewEngine(table, conf.AppID, log)
	s.pubsub = pubsub.NewEngine(table, conf.AppID, log)
	s.bindings = bindings.NewEngine(table, log)
	s.secrets = secretstores.NewEngine(table)
	s.peers = newPeerSet(s.clientOptions()...)

	if err := s.dialApp(deps.App); err != nil {
		_ = table.Close()
		return nil, err
	}

	server, err := s.newServer()
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.server = server
	s.registerCapabilities()

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.CallTimeout}, wmLogger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.router = router
	s.dlq = NewDLQMetrics(s.reg)
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) clientOptions() []rpc.ClientOption {
	return []rpc.ClientOption{
		rpc.WithTimeout(s.Conf.CallTimeout),
		rpc.WithClientTracerProvider(s.tracer),
		rpc.WithCallerAppID(s.Conf.AppID),
	}
}

func (s *Service) dialApp(ch rpc.Channel) error {
	if ch == nil && s.Conf.AppAddress != "" {
		httpCh, err := rpc.NewHTTPChannel(s.Conf.AppAddress, nil)
		if err != nil {
			return fmt.Errorf("dial app channel: %w", err)
		}
		ch = httpCh
	}
	if ch == nil {
		return nil
	}
	s.appClient = rpc.NewClient(ch, s.clientOptions()...)
	s.app = app.NewCaller(s.appClient)
	return nil
}

func (s *Service) newServer() (*rpc.Server, error) {
	opts := []rpc.ServerOption{
		rpc.WithServerLogger(s.Logger),
		rpc.WithServerTracerProvider(s.tracer),
	}
	if s.Conf.MetricsEnabled {
		m, err := rpc.NewMetrics(s.reg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, rpc.WithMetrics(m))
	}
	if s.Conf.MaxRequestsPerSecond > 0 {
		opts = append(opts, rpc.WithRateLimit(rpc.NewKeyedLimiter(s.Conf.MaxRequestsPerSecond, s.Conf.MaxRequestBurst, 10*time.Minute)))
	}
	return rpc.NewServer(opts...), nil
}

// Server returns the capability server, for in-process applications.
func (s *Service) Server() *rpc.Server { return s.server }

// Handler serves the capability API, health and metadata over HTTP.
func (s *Service) Handler() http.Handler {
	r := rpc.NewHTTPRouter(s.server)
	r.Get(rpc.PathPrefix+"/healthz", s.handleHealthz)
	r.Get(rpc.PathPrefix+"/metadata", s.handleGetMetadata)
	r.Options(rpc.PathPrefix+"/metadata", s.handleGetMetadata)
	return r
}

// Running is closed once subscriptions and input bindings are started.
func (s *Service) Running() <-chan struct{} { return s.running }

// Ready reports whether Start finished wiring the sidecar.
func (s *Service) Ready() bool { return s.ready.Load() }

// Start asks the application for its configuration, starts actors, input
// bindings and subscriptions, and blocks until ctx is cancelled. The
// component table is closed on return.
func (s *Service) Start(ctx context.Context) error {
	defer func() { _ = s.Close() }()

	appCfg, err := s.fetchAppConfig(ctx)
	if err != nil {
		return err
	}
	if err := s.startActors(ctx, appCfg.ActorTypes); err != nil {
		return err
	}
	if err := s.addSubscriptions(appCfg.Subscriptions); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	s.startInputBindings(runCtx, &wg, appCfg.Bindings)
	s.startHTTPServers(runCtx, &wg)

	s.ready.Store(true)
	if len(s.subscriptions()) == 0 {
		close(s.running)
		<-runCtx.Done()
		return nil
	}

	go func() {
		select {
		case <-s.router.Running():
			close(s.running)
		case <-runCtx.Done():
		}
	}()
	return routerRun(s.router, runCtx)
}

func (s *Service) fetchAppConfig(ctx context.Context) (app.Config, error) {
	if s.app == nil {
		if s.host != nil {
			return app.Config{ActorTypes: s.host.Types()}, nil
		}
		return app.Config{}, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.Conf.CallTimeout)
	defer cancel()
	cfg, err := s.app.Config(callCtx)
	if err != nil {
		return app.Config{}, fmt.Errorf("read app configuration: %w", err)
	}
	s.Logger.Info("Loaded app configuration", loggingpkg.LogFields{
		"subscriptions": len(cfg.Subscriptions),
		"actor_types":   cfg.ActorTypes,
		"bindings":      cfg.Bindings,
	})
	return cfg, nil
}

func (s *Service) startInputBindings(ctx context.Context, wg *sync.WaitGroup, wanted []string) {
	if s.app == nil {
		return
	}
	want := make(map[string]bool, len(wanted))
	for _, name := range wanted {
		want[name] = true
	}
	for _, name := range s.bindings.Inputs() {
		if !want[name] {
			s.Logger.Debug("Input binding has no app handler, not started", loggingpkg.LogFields{"binding": name})
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			err := s.bindings.Read(ctx, name, func(ctx context.Context, in bindings.ReadResponse) ([]byte, error) {
				return s.app.DeliverBinding(ctx, name, in)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				s.Logger.Error("Input binding stopped", err, loggingpkg.LogFields{"binding": name})
			}
		}(name)
	}
}

// Close stops actors and releases every component and channel. It is safe
// to call more than once.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if rt := s.actorRuntime(); rt != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), s.Conf.CallTimeout)
			err = errors.Join(err, rt.Stop(stopCtx))
			cancel()
		}
		if s.router != nil {
			err = errors.Join(err, s.router.Close())
		}
		if s.appClient != nil {
			err = errors.Join(err, s.appClient.Close())
		}
		if s.peers != nil {
			err = errors.Join(err, s.peers.Close())
		}
		if s.table != nil {
			err = errors.Join(err, s.table.Close())
		}
	})
	return err
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

// RegisterHTTPHandler serves handler under pattern on port once Start runs.
// Handlers sharing a port share one server.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context, wg *sync.WaitGroup) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
}

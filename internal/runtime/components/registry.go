// Package components maps logical component names to backend drivers.
//
// Driver packages register a Factory per component type ("state.sqlite",
// "pubsub.kafka", ...) from init. At startup the sidecar builds a Table from
// the manifest; the table never changes afterwards and is read without locks.
package components

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
)

// Spec is a resolved component declaration handed to a Factory.
type Spec struct {
	Name     string
	Type     string
	Version  string
	Metadata Properties
}

// Kind returns the capability kind of the spec, the text before the first dot.
func (s Spec) Kind() string {
	kind, _, _ := strings.Cut(s.Type, ".")
	return kind
}

// Deps carries the runtime services a Factory may use.
type Deps struct {
	AppID           string
	Logger          loggingpkg.ServiceLogger
	WatermillLogger watermill.LoggerAdapter
}

// Factory builds a driver for one component declaration.
type Factory func(ctx context.Context, spec Spec, deps Deps) (any, error)

// Registry maps component types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// DefaultRegistry is the process-wide registry filled by driver init funcs.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Has reports whether typ is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types lists registered component types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Build runs the factory registered for spec.Type.
func (r *Registry) Build(ctx context.Context, spec Spec, deps Deps) (any, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, errspkg.New(errspkg.KindInvalidArgument, spec.Kind()+".build",
			"unknown component type %q (registered: %v)", spec.Type, r.Types()).WithComponent(spec.Name)
	}
	if spec.Version != "" && spec.Version != "v1" {
		return nil, errspkg.New(errspkg.KindInvalidArgument, spec.Kind()+".build",
			"unsupported version %q of %s", spec.Version, spec.Type).WithComponent(spec.Name)
	}
	deps.Logger = loggingpkg.ForComponent(loggingpkg.OrDiscard(deps.Logger), spec.Kind(), spec.Name)
	if deps.WatermillLogger == nil {
		deps.WatermillLogger = loggingpkg.NewWatermillAdapter(deps.Logger)
	}
	instance, err := f(ctx, spec, deps)
	if err != nil {
		return nil, fmt.Errorf("build %s component %q: %w", spec.Type, spec.Name, err)
	}
	return instance, nil
}

// Register adds a factory to DefaultRegistry.
func Register(typ string, f Factory) {
	DefaultRegistry.Register(typ, f)
}

// SpecFromConfig converts a manifest entry.
func SpecFromConfig(c config.ComponentSpec) Spec {
	md := make(Properties, len(c.Metadata))
	for k, v := range c.Metadata {
		md[k] = v
	}
	return Spec{Name: c.Name, Type: c.Type, Version: c.Version, Metadata: md}
}

// Package bindings connects applications to external systems through
// "bindings.*" components.
//
// Output bindings run named operations on demand. Input bindings push
// external events to a handler; a handler error is handed back to the
// driver, which retries the way its backend does.
package bindings

import (
	"context"
	"strings"

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
)

// Common operation names.
const (
	OperationCreate = "create"
	OperationGet    = "get"
	OperationList   = "list"
	OperationDelete = "delete"
)

// InvokeRequest is one output binding call.
type InvokeRequest struct {
	Operation string            `json:"operation"`
	Data      []byte            `json:"data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// InvokeResponse carries the driver result.
type InvokeResponse struct {
	Data     []byte            `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutputBinding is implemented by drivers that accept operations.
type OutputBinding interface {
	Operations() []string
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error)
}

// ReadResponse is one event produced by an input binding.
type ReadResponse struct {
	Data     []byte            `json:"data,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Handler consumes input binding events.
type Handler func(ctx context.Context, resp ReadResponse) ([]byte, error)

// InputBinding is implemented by drivers that produce events. Read blocks
// until ctx ends or the binding fails.
type InputBinding interface {
	Read(ctx context.Context, handler Handler) error
}

// Engine resolves bindings from a component table.
type Engine struct {
	table  *components.Table
	logger loggingpkg.ServiceLogger
}

func NewEngine(table *components.Table, logger loggingpkg.ServiceLogger) *Engine {
	return &Engine{table: table, logger: loggingpkg.OrDiscard(logger)}
}

// Invoke runs req.Operation on the named output binding. Invocations are
// never retried.
func (e *Engine) Invoke(ctx context.Context, name string, req InvokeRequest) (InvokeResponse, error) {
	const op = "bindings.invoke"
	if strings.TrimSpace(name) == "" {
		return InvokeResponse{}, errspkg.InvalidArgument(op, "binding name is required")
	}
	entry, err := e.table.Resolve(config.KindBindings, name)
	if err != nil {
		return InvokeResponse{}, err
	}
	out, ok := entry.Instance.(OutputBinding)
	if !ok {
		return InvokeResponse{}, errspkg.OperationNotSupported(op, req.Operation, nil).WithComponent(name)
	}
	if !Supports(out, req.Operation) {
		return InvokeResponse{}, errspkg.OperationNotSupported(op, req.Operation, out.Operations()).WithComponent(name)
	}
	resp, err := out.Invoke(ctx, req)
	if err != nil {
		if errspkg.KindOf(err) != errspkg.KindUnknown {
			return InvokeResponse{}, err
		}
		return InvokeResponse{}, errspkg.BackendUnavailable(op, err).WithComponent(name)
	}
	return resp, nil
}

// Inputs returns the names of components implementing InputBinding.
func (e *Engine) Inputs() []string {
	var out []string
	for _, name := range e.table.Names(config.KindBindings) {
		entry, _ := e.table.Resolve(config.KindBindings, name)
		if _, ok := entry.Instance.(InputBinding); ok {
			out = append(out, name)
		}
	}
	return out
}

// Outputs returns the names of components implementing OutputBinding.
func (e *Engine) Outputs() []string {
	var out []string
	for _, name := range e.table.Names(config.KindBindings) {
		entry, _ := e.table.Resolve(config.KindBindings, name)
		if _, ok := entry.Instance.(OutputBinding); ok {
			out = append(out, name)
		}
	}
	return out
}

// Read starts the named input binding and blocks like InputBinding.Read.
func (e *Engine) Read(ctx context.Context, name string, handler Handler) error {
	entry, err := e.table.Resolve(config.KindBindings, name)
	if err != nil {
		return err
	}
	in, ok := entry.Instance.(InputBinding)
	if !ok {
		return errspkg.New(errspkg.KindOperationNotSupported, "bindings.read", "binding is output only").WithComponent(name)
	}
	e.logger.Info("Starting input binding", loggingpkg.LogFields{"binding": name, "type": entry.Spec.Type})
	return in.Read(ctx, handler)
}

// Supports reports whether b lists operation.
func Supports(b OutputBinding, operation string) bool {
	for _, op := range b.Operations() {
		if op == operation {
			return true
		}
	}
	return false
}

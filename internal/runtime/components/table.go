package components

import (
	"context"
	"errors"
	"io"
	"sort"

	"github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
)

// Entry is one built component.
type Entry struct {
	Spec     Spec
	Instance any
}

// Table resolves logical names to built components. It is immutable.
type Table struct {
	byKind map[string]map[string]Entry
	order  []Entry
}

// NewTable indexes entries. A later entry with a duplicate kind and name is
// rejected.
func NewTable(entries ...Entry) (*Table, error) {
	t := &Table{byKind: make(map[string]map[string]Entry)}
	for _, e := range entries {
		kind := e.Spec.Kind()
		if t.byKind[kind] == nil {
			t.byKind[kind] = make(map[string]Entry)
		}
		if _, dup := t.byKind[kind][e.Spec.Name]; dup {
			return nil, errspkg.InvalidArgument(kind+".register", "duplicate component %q", e.Spec.Name)
		}
		t.byKind[kind][e.Spec.Name] = e
		t.order = append(t.order, e)
	}
	return t, nil
}

// BuildTable builds every spec with reg. When one fails, components already
// built are closed.
func BuildTable(ctx context.Context, reg *Registry, specs []config.ComponentSpec, deps Deps) (*Table, error) {
	if reg == nil {
		reg = DefaultRegistry
	}
	entries := make([]Entry, 0, len(specs))
	for _, cs := range specs {
		spec := SpecFromConfig(cs)
		instance, err := reg.Build(ctx, spec, deps)
		if err != nil {
			closeAll(entries)
			return nil, err
		}
		entries = append(entries, Entry{Spec: spec, Instance: instance})
	}
	t, err := NewTable(entries...)
	if err != nil {
		closeAll(entries)
		return nil, err
	}
	return t, nil
}

// Resolve returns the component registered under kind and name.
func (t *Table) Resolve(kind, name string) (Entry, error) {
	if t != nil {
		if e, ok := t.byKind[kind][name]; ok {
			return e, nil
		}
	}
	return Entry{}, errspkg.ComponentNotFound(kind, name)
}

// Resolve returns the component under kind and name as a T.
func Resolve[T any](t *Table, kind, name string) (T, error) {
	var zero T
	e, err := t.Resolve(kind, name)
	if err != nil {
		return zero, err
	}
	typed, ok := e.Instance.(T)
	if !ok {
		return zero, errspkg.New(errspkg.KindInternal, kind+".resolve",
			"component type %s does not implement the %s interface", e.Spec.Type, kind).WithComponent(name)
	}
	return typed, nil
}

// Names lists the component names of kind, sorted.
func (t *Table) Names(kind string) []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.byKind[kind]))
	for name := range t.byKind[kind] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Entries returns every component in declaration order.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	return append([]Entry(nil), t.order...)
}

// Close closes every component implementing io.Closer, in reverse order.
func (t *Table) Close() error {
	if t == nil {
		return nil
	}
	return closeAll(t.order)
}

func closeAll(entries []Entry) error {
	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if c, ok := entries[i].Instance.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

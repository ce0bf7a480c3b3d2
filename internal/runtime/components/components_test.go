package components

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
)

type greeter interface{ Greet() string }

type fakeDriver struct {
	name   string
	closed *[]string
}

func (f *fakeDriver) Greet() string { return "hello from " + f.name }

func (f *fakeDriver) Close() error {
	*f.closed = append(*f.closed, f.name)
	return nil
}

func newFakeRegistry(closed *[]string) *Registry {
	reg := NewRegistry()
	reg.Register("state.fake", func(_ context.Context, spec Spec, deps Deps) (any, error) {
		if deps.Logger == nil || deps.WatermillLogger == nil {
			return nil, errors.New("loggers must be provided")
		}
		if spec.Metadata.String("fail", "") == "true" {
			return nil, errors.New("refused")
		}
		return &fakeDriver{name: spec.Name, closed: closed}, nil
	})
	return reg
}

func TestBuildTableAndResolve(t *testing.T) {
	var closed []string
	reg := newFakeRegistry(&closed)
	table, err := BuildTable(context.Background(), reg, []config.ComponentSpec{
		{Name: "a", Type: "state.fake"},
		{Name: "b", Type: "state.fake", Version: "v1"},
	}, Deps{AppID: "app"})
	require.NoError(t, err)

	g, err := Resolve[greeter](table, "state", "b")
	require.NoError(t, err)
	assert.Equal(t, "hello from b", g.Greet())
	assert.Equal(t, []string{"a", "b"}, table.Names("state"))

	_, err = table.Resolve("state", "missing")
	assert.ErrorIs(t, err, errspkg.ErrComponentNotFound)
	_, err = table.Resolve("pubsub", "a")
	assert.ErrorIs(t, err, errspkg.ErrComponentNotFound, "names are scoped per kind")

	_, err = Resolve[interface{ Publish() }](table, "state", "a")
	assert.ErrorIs(t, err, errspkg.ErrInternal)

	require.NoError(t, table.Close())
	assert.Equal(t, []string{"b", "a"}, closed)
}

func TestBuildTableClosesBuiltOnFailure(t *testing.T) {
	var closed []string
	reg := newFakeRegistry(&closed)
	_, err := BuildTable(context.Background(), reg, []config.ComponentSpec{
		{Name: "a", Type: "state.fake"},
		{Name: "b", Type: "state.fake", Metadata: map[string]string{"fail": "true"}},
	}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
	assert.Equal(t, []string{"a"}, closed)
}

func TestBuildRejectsUnknownTypeAndVersion(t *testing.T) {
	reg := newFakeRegistry(new([]string))
	_, err := reg.Build(context.Background(), Spec{Name: "x", Type: "state.nope"}, Deps{})
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)

	_, err = reg.Build(context.Background(), Spec{Name: "x", Type: "state.fake", Version: "v2"}, Deps{})
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	spec := Spec{Name: "dup", Type: "state.fake"}
	_, err := NewTable(Entry{Spec: spec}, Entry{Spec: spec})
	assert.Error(t, err)
}

func TestNilTableResolves(t *testing.T) {
	var table *Table
	_, err := table.Resolve("state", "x")
	assert.ErrorIs(t, err, errspkg.ErrComponentNotFound)
	assert.NoError(t, table.Close())
}

func TestProperties(t *testing.T) {
	p := Properties{"n": "3", "d": "1500ms", "secs": "2", "b": "true", "list": "a, ,b", "bad": "x"}

	n, err := p.Int("n", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	d, err := p.Duration("d", 0)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = p.Duration("secs", 0)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	b, err := p.Bool("b", false)
	require.NoError(t, err)
	assert.True(t, b)

	assert.Equal(t, []string{"a", "b"}, p.List("list"))
	assert.Equal(t, "def", p.String("missing", "def"))

	_, err = p.Int("bad", 0)
	assert.Error(t, err)
	_, err = p.Required("missing")
	assert.Error(t, err)
}

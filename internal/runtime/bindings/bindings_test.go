package bindings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/components"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
)

type fakeOutput struct {
	err  error
	last InvokeRequest
}

func (f *fakeOutput) Operations() []string { return []string{OperationCreate, OperationGet} }

func (f *fakeOutput) Invoke(_ context.Context, req InvokeRequest) (InvokeResponse, error) {
	f.last = req
	if f.err != nil {
		return InvokeResponse{}, f.err
	}
	return InvokeResponse{Data: append([]byte("echo:"), req.Data...)}, nil
}

type fakeInput struct{ events []ReadResponse }

func (f *fakeInput) Read(ctx context.Context, h Handler) error {
	for _, evt := range f.events {
		if _, err := h(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func newEngine(t *testing.T, out *fakeOutput, in *fakeInput) *Engine {
	t.Helper()
	table, err := components.NewTable(
		components.Entry{Spec: components.Spec{Name: "files", Type: "bindings.fake"}, Instance: out},
		components.Entry{Spec: components.Spec{Name: "ticks", Type: "bindings.fake"}, Instance: in},
	)
	require.NoError(t, err)
	return NewEngine(table, nil)
}

func TestEngineInvoke(t *testing.T) {
	out := &fakeOutput{}
	e := newEngine(t, out, &fakeInput{})

	resp, err := e.Invoke(context.Background(), "files", InvokeRequest{Operation: OperationCreate, Data: []byte("a")})
	require.NoError(t, err)
	assert.Equal(t, "echo:a", string(resp.Data))
	assert.Equal(t, OperationCreate, out.last.Operation)
}

func TestEngineInvokeErrors(t *testing.T) {
	out := &fakeOutput{}
	e := newEngine(t, out, &fakeInput{})
	ctx := context.Background()

	_, err := e.Invoke(ctx, "missing", InvokeRequest{Operation: OperationCreate})
	assert.True(t, errspkg.IsKind(err, errspkg.KindComponentNotFound), "got %v", err)

	_, err = e.Invoke(ctx, "", InvokeRequest{Operation: OperationCreate})
	assert.True(t, errspkg.IsKind(err, errspkg.KindInvalidArgument), "got %v", err)

	_, err = e.Invoke(ctx, "files", InvokeRequest{Operation: OperationDelete})
	assert.True(t, errspkg.IsKind(err, errspkg.KindOperationNotSupported), "got %v", err)
	assert.Contains(t, err.Error(), OperationCreate)

	_, err = e.Invoke(ctx, "ticks", InvokeRequest{Operation: OperationCreate})
	assert.True(t, errspkg.IsKind(err, errspkg.KindOperationNotSupported), "got %v", err)

	out.err = errors.New("disk full")
	_, err = e.Invoke(ctx, "files", InvokeRequest{Operation: OperationGet})
	assert.True(t, errspkg.IsKind(err, errspkg.KindBackendUnavailable), "got %v", err)

	out.err = errspkg.InvalidArgument("fake", "bad file name")
	_, err = e.Invoke(ctx, "files", InvokeRequest{Operation: OperationGet})
	assert.True(t, errspkg.IsKind(err, errspkg.KindInvalidArgument), "got %v", err)
}

func TestEngineInputsAndOutputs(t *testing.T) {
	e := newEngine(t, &fakeOutput{}, &fakeInput{})
	assert.Equal(t, []string{"ticks"}, e.Inputs())
	assert.Equal(t, []string{"files"}, e.Outputs())
}

func TestEngineRead(t *testing.T) {
	in := &fakeInput{events: []ReadResponse{{Data: []byte("1")}, {Data: []byte("2")}}}
	e := newEngine(t, &fakeOutput{}, in)

	var seen []string
	err := e.Read(context.Background(), "ticks", func(_ context.Context, r ReadResponse) ([]byte, error) {
		seen = append(seen, string(r.Data))
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, seen)

	err = e.Read(context.Background(), "files", func(context.Context, ReadResponse) ([]byte, error) { return nil, nil })
	assert.True(t, errspkg.IsKind(err, errspkg.KindOperationNotSupported))
}

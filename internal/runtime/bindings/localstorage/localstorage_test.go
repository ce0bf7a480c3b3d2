package localstorage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/bindings"
	"github.com/drblury/outrigger/internal/runtime/components"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
)

func invoke(t *testing.T, b *Binding, op, file string, data []byte) (bindings.InvokeResponse, error) {
	t.Helper()
	md := map[string]string{}
	if file != "" {
		md[MetadataFileName] = file
	}
	return b.Invoke(context.Background(), bindings.InvokeRequest{Operation: op, Data: data, Metadata: md})
}

func TestCreateGetListDelete(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	resp, err := invoke(t, b, bindings.OperationCreate, "master.txt", []byte(`{"content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "master.txt", resp.Metadata[MetadataFileName])

	_, err = invoke(t, b, bindings.OperationCreate, "nested/a.txt", []byte("a"))
	require.NoError(t, err)

	got, err := invoke(t, b, bindings.OperationGet, "master.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"content":"hi"}`, string(got.Data))

	listed, err := invoke(t, b, bindings.OperationList, "", nil)
	require.NoError(t, err)
	var names []string
	require.NoError(t, jsoncodec.Unmarshal(listed.Data, &names))
	assert.Equal(t, []string{"master.txt", "nested/a.txt"}, names)

	_, err = invoke(t, b, bindings.OperationDelete, "master.txt", nil)
	require.NoError(t, err)
	_, err = invoke(t, b, bindings.OperationGet, "master.txt", nil)
	assert.ErrorContains(t, err, "not found")

	_, err = invoke(t, b, bindings.OperationDelete, "master.txt", nil)
	assert.NoError(t, err, "deleting a missing file is not an error")
}

func TestCreateWithoutNameGeneratesOne(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	resp, err := invoke(t, b, bindings.OperationCreate, "", []byte("x"))
	require.NoError(t, err)
	assert.Len(t, resp.Metadata[MetadataFileName], 26)
}

func TestPathsStayInsideRoot(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = invoke(t, b, bindings.OperationCreate, "../../escape.txt", []byte("x"))
	require.NoError(t, err)
	listed, err := invoke(t, b, bindings.OperationList, "", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `["escape.txt"]`, string(listed.Data))

	_, err = invoke(t, b, bindings.OperationGet, "", nil)
	assert.True(t, errspkg.IsKind(err, errspkg.KindInvalidArgument))
}

func TestUnknownOperation(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = invoke(t, b, "truncate", "", nil)
	assert.True(t, errspkg.IsKind(err, errspkg.KindOperationNotSupported))
}

func TestFactoryRequiresRootPath(t *testing.T) {
	_, err := components.DefaultRegistry.Build(context.Background(), components.Spec{Name: "files", Type: ComponentType}, components.Deps{})
	assert.ErrorContains(t, err, "rootPath")
}

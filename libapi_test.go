package outrigger

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	_ "github.com/drblury/outrigger/internal/runtime/state/memory"
)

func TestFacadeRoundTrip(t *testing.T) {
	manifest, err := ParseManifest([]byte(`
appID: billing
components:
  - name: statestore
    type: state.in-memory
`))
	require.NoError(t, err)

	svc, err := NewService(context.Background(), Config{}, manifest, NewDiscardLogger(), ServiceDependencies{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	c := NewClient(NewLoopback(svc.Server()), WithCallTimeout(5*time.Second))
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	require.NoError(t, c.SaveState(ctx, "statestore", "invoice", []byte(`{"total":12}`)))
	got, etag, ok, err := GetStateJSON[map[string]int](ctx, c, "statestore", "invoice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12, got["total"])

	err = c.SaveState(ctx, "statestore", "invoice", []byte(`{}`), WithETag(etag+"x"))
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.True(t, IsKind(err, KindPreconditionFailed))
}

func TestHandlerBuildersRejectNil(t *testing.T) {
	_, err := BuildJSONHandler[*structpb.Struct](nil, nil)
	assert.Error(t, err)

	_, err = BuildProtoHandler[*structpb.Struct](nil, nil, nil)
	assert.ErrorIs(t, err, ErrHandlerRequired)

	h, err := BuildProtoHandler[*structpb.Struct](nil, func(context.Context, ProtoMessageContext[*structpb.Struct]) error { return nil }, nil)
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	_, err = MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"again"}`), &payload))
	assert.Equal(t, "again", payload["hello"])
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata(MetadataKeyTTLInSeconds, "30")
	ttl, ok, err := md.TTL()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, ttl)
}

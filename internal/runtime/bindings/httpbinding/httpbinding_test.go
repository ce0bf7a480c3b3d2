package httpbinding

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/bindings"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
)

func TestCreatePostsToPath(t *testing.T) {
	var gotMethod, gotPath, gotBody, gotHeader, gotTrace, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotMethod, gotPath, gotBody = r.Method, r.URL.Path, string(body)
		gotHeader = r.Header.Get("X-Custom-Header")
		gotTrace = r.Header.Get("traceparent")
		gotType = r.Header.Get("Content-Type")
		w.Header().Set("X-Request-Id", "r-1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	b, err := New(srv.URL+"/api", srv.Client())
	require.NoError(t, err)

	resp, err := b.Invoke(context.Background(), bindings.InvokeRequest{
		Operation: bindings.OperationCreate,
		Data:      []byte(`{"content":"x"}`),
		Metadata: map[string]string{
			MetadataPath:      "/items",
			"x-custom-header": "outrigger",
			"traceparent":     "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			"ttlInSeconds":    "5",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/items", gotPath)
	assert.Equal(t, `{"content":"x"}`, gotBody)
	assert.Equal(t, "outrigger", gotHeader)
	assert.NotEmpty(t, gotTrace, "trace context is forwarded as a header")
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "201", resp.Metadata[MetadataStatusCode])
	assert.Equal(t, "r-1", resp.Metadata["X-Request-Id"])
	assert.JSONEq(t, `{"ok":true}`, string(resp.Data))
}

func TestErrorStatusesAreTyped(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	b, err := New(srv.URL, srv.Client())
	require.NoError(t, err)

	_, err = b.Invoke(context.Background(), bindings.InvokeRequest{Operation: "get"})
	assert.True(t, errspkg.IsKind(err, errspkg.KindInvalidArgument))

	status = http.StatusBadGateway
	_, err = b.Invoke(context.Background(), bindings.InvokeRequest{Operation: "delete"})
	assert.True(t, errspkg.IsKind(err, errspkg.KindBackendUnavailable))
}

func TestUnsupportedOperationAndBadURL(t *testing.T) {
	b, err := New("http://127.0.0.1:1", nil)
	require.NoError(t, err)
	_, err = b.Invoke(context.Background(), bindings.InvokeRequest{Operation: "teleport"})
	assert.True(t, errspkg.IsKind(err, errspkg.KindOperationNotSupported))

	_, err = New("not a url", nil)
	assert.Error(t, err)
}

func TestUnreachableIsBackendUnavailable(t *testing.T) {
	b, err := New("http://127.0.0.1:1", nil)
	require.NoError(t, err)
	_, err = b.Invoke(context.Background(), bindings.InvokeRequest{Operation: "get"})
	assert.True(t, errspkg.IsKind(err, errspkg.KindBackendUnavailable))
}

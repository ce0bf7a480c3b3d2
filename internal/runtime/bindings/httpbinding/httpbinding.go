// Package httpbinding is the "bindings.http" output binding. Operations map
// to HTTP verbs against the configured url; "create" is a POST.
package httpbinding

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/outrigger/internal/runtime/bindings"
	"github.com/drblury/outrigger/internal/runtime/components"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
)

const (
	ComponentType = "bindings.http"

	// MetadataPath is appended to the base url.
	MetadataPath = "path"
	// MetadataStatusCode reports the response status.
	MetadataStatusCode = "statusCode"

	maxResponseBody = 32 << 20
)

var verbs = map[string]string{
	bindings.OperationCreate: http.MethodPost,
	"get":                    http.MethodGet,
	"post":                   http.MethodPost,
	"put":                    http.MethodPut,
	"patch":                  http.MethodPatch,
	"delete":                 http.MethodDelete,
	"head":                   http.MethodHead,
}

// reserved lists, lower-cased, the metadata keys that configure the call
// rather than becoming request headers.
var reserved = map[string]bool{
	"path":                    true,
	"contenttype":             true,
	"statuscode":              true,
	"ttlinseconds":            true,
	"partitionkey":            true,
	"outrigger-caller-app-id": true,
}

func init() {
	components.Register(ComponentType, func(_ context.Context, spec components.Spec, _ components.Deps) (any, error) {
		base, err := spec.Metadata.Required("url")
		if err != nil {
			return nil, err
		}
		timeout, err := spec.Metadata.Duration("timeout", 30*time.Second)
		if err != nil {
			return nil, err
		}
		return New(base, &http.Client{Timeout: timeout})
	})
}

// Binding calls one HTTP endpoint.
type Binding struct {
	base   *url.URL
	client *http.Client
}

func New(base string, client *http.Client) (*Binding, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", base)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Binding{base: u, client: client}, nil
}

func (b *Binding) Operations() []string {
	return []string{bindings.OperationCreate, "get", "post", "put", "patch", "delete", "head"}
}

func (b *Binding) target(path string) string {
	if path == "" {
		return b.base.String()
	}
	return strings.TrimRight(b.base.String(), "/") + "/" + strings.TrimLeft(path, "/")
}

func (b *Binding) Invoke(ctx context.Context, req bindings.InvokeRequest) (bindings.InvokeResponse, error) {
	const op = "http.invoke"
	verb, ok := verbs[req.Operation]
	if !ok {
		return bindings.InvokeResponse{}, errspkg.OperationNotSupported(op, req.Operation, b.Operations())
	}
	md := metadatapkg.Metadata(req.Metadata)

	var body io.Reader
	if len(req.Data) > 0 && verb != http.MethodGet && verb != http.MethodHead {
		body = bytes.NewReader(req.Data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, verb, b.target(md.Get(MetadataPath)), body)
	if err != nil {
		return bindings.InvokeResponse{}, errspkg.InvalidArgument(op, "%v", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", md.ContentType())
	}
	for k, v := range md {
		if reserved[strings.ToLower(k)] {
			continue
		}
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return bindings.InvokeResponse{}, errspkg.BackendUnavailable(op, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return bindings.InvokeResponse{}, errspkg.BackendUnavailable(op, err)
	}

	out := bindings.InvokeResponse{Data: data, Metadata: map[string]string{MetadataStatusCode: strconv.Itoa(resp.StatusCode)}}
	for k := range resp.Header {
		out.Metadata[k] = resp.Header.Get(k)
	}
	switch {
	case resp.StatusCode >= 500:
		return out, errspkg.New(errspkg.KindBackendUnavailable, op, "%s %s returned %d: %s", verb, httpReq.URL.Path, resp.StatusCode, truncate(data))
	case resp.StatusCode >= 400:
		return out, errspkg.New(errspkg.KindInvalidArgument, op, "%s %s returned %d: %s", verb, httpReq.URL.Path, resp.StatusCode, truncate(data))
	}
	return out, nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

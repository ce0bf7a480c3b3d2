// Package client is the application side of the sidecar API. It wraps an
// rpc.Client with typed methods for every sidecar capability.
package client

import (
	"context"
	"net/http"

	"github.com/drblury/outrigger/internal/runtime/api"
	"github.com/drblury/outrigger/internal/runtime/bindings"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/rpc"
)

// Client talks to one sidecar.
type Client struct {
	rpc *rpc.Client
}

// New wraps an open channel to the sidecar.
func New(channel rpc.Channel, opts ...rpc.ClientOption) *Client {
	return &Client{rpc: rpc.NewClient(channel, opts...)}
}

// Dial connects to the sidecar HTTP API at address. A nil httpClient uses
// http.DefaultClient.
func Dial(address string, httpClient *http.Client, opts ...rpc.ClientOption) (*Client, error) {
	ch, err := rpc.NewHTTPChannel(address, httpClient)
	if err != nil {
		return nil, err
	}
	return New(ch, opts...), nil
}

// RPC exposes the underlying rpc client.
func (c *Client) RPC() *rpc.Client { return c.rpc }

// Close closes the channel to the sidecar.
func (c *Client) Close() error { return c.rpc.Close() }

// Healthz probes the sidecar once.
func (c *Client) Healthz(ctx context.Context) error { return c.rpc.Healthz(ctx) }

// WaitForSidecar blocks until the sidecar answers its health probe.
func (c *Client) WaitForSidecar(ctx context.Context) error { return c.rpc.WaitForSidecar(ctx) }

// GetMetadata describes the sidecar: components, subscriptions, actors.
func (c *Client) GetMetadata(ctx context.Context) (api.MetadataResponse, error) {
	var out api.MetadataResponse
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityMetadata, api.OpGetMetadata, nil, &out, nil)
	return out, err
}

// InvokeBinding runs operation on the output binding name. Calls are not
// retried.
func (c *Client) InvokeBinding(ctx context.Context, name, operation string, data []byte, md map[string]string) (bindings.InvokeResponse, error) {
	var out bindings.InvokeResponse
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityBindings, api.OpInvokeBinding, api.BindingRequest{
		Name:      name,
		Operation: operation,
		Data:      data,
		Metadata:  md,
	}, &out, nil)
	return out, err
}

// GetSecret reads key from the secret store.
func (c *Client) GetSecret(ctx context.Context, store, key string, md map[string]string) (map[string]string, error) {
	if store == "" {
		return nil, errspkg.ErrStoreRequired
	}
	var out map[string]string
	_, err := c.rpc.Invoke(ctx, rpc.CapabilitySecrets, api.OpGetSecret, api.GetSecretRequest{
		StoreName: store,
		Key:       key,
		Metadata:  md,
	}, &out, nil)
	return out, err
}

// GetBulkSecret reads every secret of store.
func (c *Client) GetBulkSecret(ctx context.Context, store string, md map[string]string) (map[string]map[string]string, error) {
	if store == "" {
		return nil, errspkg.ErrStoreRequired
	}
	var out map[string]map[string]string
	_, err := c.rpc.Invoke(ctx, rpc.CapabilitySecrets, api.OpBulkGetSecret, api.BulkGetSecretRequest{
		StoreName: store,
		Metadata:  md,
	}, &out, nil)
	return out, err
}

// InvokeOption customises a service invocation.
type InvokeOption func(*api.InvokeRequest)

// WithHTTPVerb sets the verb the target application sees.
func WithHTTPVerb(verb string) InvokeOption {
	return func(r *api.InvokeRequest) { r.HTTPVerb = verb }
}

// WithInvokeContentType sets the content type of the request data.
func WithInvokeContentType(ct string) InvokeOption {
	return func(r *api.InvokeRequest) { r.ContentType = ct }
}

// WithInvokeMetadata adds metadata to the invocation.
func WithInvokeMetadata(md map[string]string) InvokeOption {
	return func(r *api.InvokeRequest) {
		r.Metadata = metadatapkg.Metadata(r.Metadata).WithAll(md)
	}
}

// InvokeMethod calls method on the application appID through the sidecars.
func (c *Client) InvokeMethod(ctx context.Context, appID, method string, data []byte, opts ...InvokeOption) (api.InvokeResponse, error) {
	req := api.InvokeRequest{AppID: appID, Method: method, Data: data, HTTPVerb: http.MethodPost}
	for _, opt := range opts {
		opt(&req)
	}
	var out api.InvokeResponse
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityInvoke, api.OpInvokeMethod, req, &out, nil)
	return out, err
}

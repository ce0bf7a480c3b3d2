package client

import (
	"context"
	"strconv"
	"time"

	"github.com/drblury/outrigger/internal/runtime/api"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
	"github.com/drblury/outrigger/internal/runtime/rpc"
	"github.com/drblury/outrigger/internal/runtime/state"
)

// StateOption customises one saved item.
type StateOption func(*state.Item)

// WithETag makes the write conditional on etag.
func WithETag(etag string) StateOption {
	return func(it *state.Item) { it.ETag = &etag }
}

// WithStateTTL expires the item after ttl.
func WithStateTTL(ttl time.Duration) StateOption {
	return func(it *state.Item) {
		it.Metadata = metadatapkg.Metadata(it.Metadata).With(metadatapkg.KeyTTLInSeconds, strconv.Itoa(int(ttl.Seconds())))
	}
}

// WithStateMetadata adds driver metadata to the item.
func WithStateMetadata(md map[string]string) StateOption {
	return func(it *state.Item) {
		it.Metadata = metadatapkg.Metadata(it.Metadata).WithAll(md)
	}
}

// SaveState writes value under key.
func (c *Client) SaveState(ctx context.Context, store, key string, value []byte, opts ...StateOption) error {
	item := state.Item{Key: key, Value: value}
	for _, opt := range opts {
		opt(&item)
	}
	return c.SaveBulkState(ctx, store, item)
}

// SaveBulkState writes several items. Each item carries its own etag.
func (c *Client) SaveBulkState(ctx context.Context, store string, items ...state.Item) error {
	if store == "" {
		return errspkg.ErrStoreRequired
	}
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityState, api.OpSaveState, api.SaveStateRequest{StoreName: store, Items: items}, nil, nil)
	return err
}

// GetState reads key. A missing key returns Found false and no error.
func (c *Client) GetState(ctx context.Context, store, key string) (state.GetResponse, error) {
	if store == "" {
		return state.GetResponse{}, errspkg.ErrStoreRequired
	}
	var out state.GetResponse
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityState, api.OpGetState, api.GetStateRequest{StoreName: store, Key: key}, &out, nil)
	return out, err
}

// GetBulkState reads keys. The result is aligned with keys.
func (c *Client) GetBulkState(ctx context.Context, store string, keys []string, parallelism int) ([]state.GetResponse, error) {
	if store == "" {
		return nil, errspkg.ErrStoreRequired
	}
	var out api.BulkGetStateResponse
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityState, api.OpBulkGet, api.BulkGetStateRequest{
		StoreName:   store,
		Keys:        keys,
		Parallelism: parallelism,
	}, &out, nil)
	return out.Items, err
}

// StreamBulkState reads keys as a stream and calls fn for each item in key
// order. An error returned by fn stops the stream.
func (c *Client) StreamBulkState(ctx context.Context, store string, keys []string, fn func(state.GetResponse) error) error {
	if store == "" {
		return errspkg.ErrStoreRequired
	}
	payload, err := rpc.Encode(api.BulkGetStateRequest{StoreName: store, Keys: keys})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames, err := c.rpc.Stream(ctx, rpc.Request{Capability: rpc.CapabilityState, Operation: api.OpBulkGet, Payload: payload})
	if err != nil {
		return err
	}
	for frame := range frames {
		if frame.Error != nil {
			return frame.Error.Err()
		}
		var item state.GetResponse
		if err := rpc.Decode(frame.Payload, &item); err != nil {
			return errspkg.Wrap(errspkg.KindInternal, "state.stream_bulk_get", err)
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// DeleteState removes key. A non-nil etag makes the delete conditional.
func (c *Client) DeleteState(ctx context.Context, store, key string, etag *string) error {
	if store == "" {
		return errspkg.ErrStoreRequired
	}
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityState, api.OpDeleteState, api.DeleteStateRequest{StoreName: store, Key: key, ETag: etag}, nil, nil)
	return err
}

// ExecuteStateTransaction applies ops atomically.
func (c *Client) ExecuteStateTransaction(ctx context.Context, store string, ops []state.Operation) error {
	if store == "" {
		return errspkg.ErrStoreRequired
	}
	_, err := c.rpc.Invoke(ctx, rpc.CapabilityState, api.OpTransaction, api.TransactionRequest{StoreName: store, Operations: ops}, nil, nil)
	return err
}

// SaveStateJSON stores v encoded as JSON.
func SaveStateJSON(ctx context.Context, c *Client, store, key string, v any, opts ...StateOption) error {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return errspkg.InvalidArgument("state.save", "encode value: %v", err)
	}
	return c.SaveState(ctx, store, key, data, opts...)
}

// GetStateJSON reads key and decodes it into a T. ok is false when the key
// is missing.
func GetStateJSON[T any](ctx context.Context, c *Client, store, key string) (value T, etag string, ok bool, err error) {
	resp, err := c.GetState(ctx, store, key)
	if err != nil || !resp.Found {
		return value, "", false, err
	}
	if err := jsoncodec.Unmarshal(resp.Value, &value); err != nil {
		return value, "", false, errspkg.Wrap(errspkg.KindInternal, "state.get", err)
	}
	if resp.ETag != nil {
		etag = *resp.ETag
	}
	return value, etag, true, nil
}

package state

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	metadatapkg "github.com/drblury/outrigger/internal/runtime/metadata"
)

const (
	// KeySeparator joins the key prefix and the application key.
	KeySeparator = "||"

	// PropertyKeyPrefix selects the prefix strategy of a store:
	// "appid" (default), "name", "none" or a literal prefix.
	PropertyKeyPrefix = "keyPrefix"
	// PropertyActorStateStore marks the store used for actor state.
	PropertyActorStateStore = "actorStateStore"

	defaultBulkParallelism = 10
)

// Engine executes state operations against the stores of a component table.
type Engine struct {
	table  *components.Table
	appID  string
	logger loggingpkg.ServiceLogger
	now    func() time.Time
}

// NewEngine binds the engine to table. appID feeds the default key prefix.
func NewEngine(table *components.Table, appID string, logger loggingpkg.ServiceLogger) *Engine {
	return &Engine{
		table:  table,
		appID:  appID,
		logger: loggingpkg.OrDiscard(logger),
		now:    time.Now,
	}
}

type resolved struct {
	name   string
	store  Store
	prefix string
}

func (e *Engine) resolve(name string) (resolved, error) {
	if strings.TrimSpace(name) == "" {
		return resolved{}, errspkg.InvalidArgument("state.resolve", "%v", errspkg.ErrStoreRequired)
	}
	entry, err := e.table.Resolve(config.KindState, name)
	if err != nil {
		return resolved{}, err
	}
	store, ok := entry.Instance.(Store)
	if !ok {
		return resolved{}, errspkg.New(errspkg.KindInternal, "state.resolve", "component %s is not a state store", entry.Spec.Type).WithComponent(name)
	}
	return resolved{name: name, store: store, prefix: e.prefixFor(entry.Spec)}, nil
}

func (e *Engine) prefixFor(spec components.Spec) string {
	switch strategy := spec.Metadata.String(PropertyKeyPrefix, "appid"); strings.ToLower(strategy) {
	case "appid":
		if e.appID == "" {
			return ""
		}
		return e.appID + KeySeparator
	case "name":
		return spec.Name + KeySeparator
	case "none":
		return ""
	default:
		return strategy + KeySeparator
	}
}

func (r resolved) key(op, key string) (string, error) {
	if key == "" {
		return "", errspkg.InvalidArgument(op, "%v", errspkg.ErrKeyRequired).WithComponent(r.name)
	}
	if r.prefix != "" && strings.Contains(key, KeySeparator) {
		return "", errspkg.InvalidArgument(op, "key %q must not contain %q", key, KeySeparator).WithComponent(r.name)
	}
	return r.prefix + key, nil
}

func (e *Engine) expiry(op, store string, s Store, md map[string]string) (time.Time, error) {
	ttl, ok, err := metadatapkg.Metadata(md).TTL()
	if err != nil {
		return time.Time{}, errspkg.InvalidArgument(op, "invalid %s: %v", metadatapkg.KeyTTLInSeconds, err).WithComponent(store)
	}
	if !ok {
		return time.Time{}, nil
	}
	if !HasFeature(s, FeatureTTL) {
		return time.Time{}, errspkg.OperationNotSupported(op, "ttl", featureNames(s)).WithComponent(store)
	}
	return e.now().Add(ttl), nil
}

func (r resolved) requireETag(op string, etag *string) error {
	if etag != nil && !HasFeature(r.store, FeatureETag) {
		return errspkg.OperationNotSupported(op, "etag", featureNames(r.store)).WithComponent(r.name)
	}
	return nil
}

func featureNames(s Store) []string {
	out := make([]string, 0, len(s.Features()))
	for _, f := range s.Features() {
		out = append(out, string(f))
	}
	return out
}

// Features returns the features declared by the named store.
func (e *Engine) Features(store string) ([]Feature, error) {
	r, err := e.resolve(store)
	if err != nil {
		return nil, err
	}
	return r.store.Features(), nil
}

// Save writes items one by one. Each write is independent; the first failure
// is returned after the preceding items were stored.
func (e *Engine) Save(ctx context.Context, store string, items ...Item) error {
	const op = "state.save"
	r, err := e.resolve(store)
	if err != nil {
		return err
	}
	for _, item := range items {
		req, err := e.setRequest(op, r, item)
		if err != nil {
			return err
		}
		if err := r.store.Set(ctx, req); err != nil {
			return storeErr(op, store, err)
		}
	}
	return nil
}

func (e *Engine) setRequest(op string, r resolved, item Item) (SetRequest, error) {
	key, err := r.key(op, item.Key)
	if err != nil {
		return SetRequest{}, err
	}
	if err := r.requireETag(op, item.ETag); err != nil {
		return SetRequest{}, err
	}
	expiresAt, err := e.expiry(op, r.name, r.store, item.Metadata)
	if err != nil {
		return SetRequest{}, err
	}
	return SetRequest{Key: key, Value: item.Value, ETag: item.ETag, ExpiresAt: expiresAt}, nil
}

// Get reads one key. A missing key yields Found == false and no error.
func (e *Engine) Get(ctx context.Context, store, key string) (GetResponse, error) {
	const op = "state.get"
	r, err := e.resolve(store)
	if err != nil {
		return GetResponse{}, err
	}
	full, err := r.key(op, key)
	if err != nil {
		return GetResponse{}, err
	}
	resp, err := r.store.Get(ctx, full)
	if err != nil {
		return GetResponse{}, storeErr(op, store, err)
	}
	resp.Key = key
	return resp, nil
}

// BulkGet reads keys and returns results aligned with them. A key that is
// missing or fails to read does not fail the others; its failure is reported
// in GetResponse.Error.
func (e *Engine) BulkGet(ctx context.Context, store string, keys []string, parallelism int) ([]GetResponse, error) {
	const op = "state.bulk_get"
	r, err := e.resolve(store)
	if err != nil {
		return nil, err
	}
	out := make([]GetResponse, len(keys))
	full := make([]string, len(keys))
	for i, key := range keys {
		out[i].Key = key
		k, err := r.key(op, key)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		full[i] = k
	}

	if bulk, ok := r.store.(BulkStore); ok {
		return e.nativeBulkGet(ctx, r, bulk, keys, full, out)
	}

	if parallelism <= 0 {
		parallelism = defaultBulkParallelism
	}
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	for i := range keys {
		if full[i] == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			resp, err := r.store.Get(ctx, full[i])
			if err != nil {
				out[i].Error = storeErr(op, store, err).Error()
				return
			}
			resp.Key = keys[i]
			out[i] = resp
		}(i)
	}
	wg.Wait()
	return out, nil
}

func (e *Engine) nativeBulkGet(ctx context.Context, r resolved, bulk BulkStore, keys, full []string, out []GetResponse) ([]GetResponse, error) {
	idx := make([]int, 0, len(full))
	query := make([]string, 0, len(full))
	for i, k := range full {
		if k != "" {
			idx = append(idx, i)
			query = append(query, k)
		}
	}
	results, err := bulk.BulkGet(ctx, query)
	if err != nil {
		return nil, storeErr("state.bulk_get", r.name, err)
	}
	for j, i := range idx {
		if j >= len(results) {
			break
		}
		res := results[j]
		res.Key = keys[i]
		out[i] = res
	}
	return out, nil
}

// Delete removes key. With an etag the delete is conditional.
func (e *Engine) Delete(ctx context.Context, store, key string, etag *string) error {
	const op = "state.delete"
	r, err := e.resolve(store)
	if err != nil {
		return err
	}
	full, err := r.key(op, key)
	if err != nil {
		return err
	}
	if err := r.requireETag(op, etag); err != nil {
		return err
	}
	return storeErr(op, store, r.store.Delete(ctx, DeleteRequest{Key: full, ETag: etag}))
}

// Transact applies ops atomically. Any failing step aborts the whole batch
// and no step is persisted.
func (e *Engine) Transact(ctx context.Context, store string, ops []Operation) error {
	const op = "state.transaction"
	r, err := e.resolve(store)
	if err != nil {
		return err
	}
	tx, ok := r.store.(TransactionalStore)
	if !ok || !HasFeature(r.store, FeatureTransactional) {
		return errspkg.OperationNotSupported(op, "transaction", featureNames(r.store)).WithComponent(store)
	}
	if len(ops) == 0 {
		return nil
	}

	batch := make([]TxOperation, 0, len(ops))
	for _, o := range ops {
		switch o.Type {
		case Upsert:
			req, err := e.setRequest(op, r, o.Item)
			if err != nil {
				return err
			}
			batch = append(batch, TxOperation{Type: Upsert, Set: req})
		case Delete:
			key, err := r.key(op, o.Item.Key)
			if err != nil {
				return err
			}
			if err := r.requireETag(op, o.Item.ETag); err != nil {
				return err
			}
			batch = append(batch, TxOperation{Type: Delete, Delete: DeleteRequest{Key: key, ETag: o.Item.ETag}})
		default:
			return errspkg.InvalidArgument(op, "unknown operation %q", o.Type).WithComponent(store)
		}
	}

	if err := tx.Multi(ctx, batch); err != nil {
		if errspkg.IsKind(err, errspkg.KindTransactionAborted) {
			return err
		}
		return errspkg.TransactionAborted(op, err).WithComponent(store)
	}
	return nil
}

// ActorStore returns the name of the store marked actorStateStore, if any.
func (e *Engine) ActorStore() (string, bool) {
	for _, entry := range e.table.Entries() {
		if entry.Spec.Kind() != config.KindState {
			continue
		}
		if ok, _ := entry.Spec.Metadata.Bool(PropertyActorStateStore, false); ok {
			return entry.Spec.Name, true
		}
	}
	return "", false
}

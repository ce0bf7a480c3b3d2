// Package secretstores serves read-only secrets from "secretstores.*"
// components. Results can be cached per store with the cacheTTL metadata.
package secretstores

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/internal/runtime/config"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
)

const (
	// PropertyCacheTTL enables caching for the given duration.
	PropertyCacheTTL = "cacheTTL"
	// PropertyCacheSize bounds the number of cached keys.
	PropertyCacheSize = "cacheSize"

	defaultCacheSize = 1024
	bulkCacheKey     = "\x00bulk"
)

// Store is implemented by every secret store driver. GetSecret returns a
// NotFound error for an unknown key.
type Store interface {
	GetSecret(ctx context.Context, key string) (map[string]string, error)
	BulkGetSecret(ctx context.Context) (map[string]map[string]string, error)
}

// NotFound reports a missing secret key.
func NotFound(store, key string) error {
	return errspkg.InvalidArgument("secrets.get", "secret %q not found", key).WithComponent(store)
}

// Engine resolves stores from a component table.
type Engine struct {
	table *components.Table
}

func NewEngine(table *components.Table) *Engine {
	return &Engine{table: table}
}

func (e *Engine) resolve(name string) (Store, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errspkg.InvalidArgument("secrets.resolve", "%v", errspkg.ErrStoreRequired)
	}
	return components.Resolve[Store](e.table, config.KindSecretStores, name)
}

// Get returns the values stored under key.
func (e *Engine) Get(ctx context.Context, store, key string) (map[string]string, error) {
	if key == "" {
		return nil, errspkg.InvalidArgument("secrets.get", "%v", errspkg.ErrKeyRequired).WithComponent(store)
	}
	s, err := e.resolve(store)
	if err != nil {
		return nil, err
	}
	values, err := s.GetSecret(ctx, key)
	if err != nil {
		return nil, wrap("secrets.get", store, err)
	}
	return values, nil
}

// BulkGet returns every secret the store exposes.
func (e *Engine) BulkGet(ctx context.Context, store string) (map[string]map[string]string, error) {
	s, err := e.resolve(store)
	if err != nil {
		return nil, err
	}
	values, err := s.BulkGetSecret(ctx)
	if err != nil {
		return nil, wrap("secrets.bulk_get", store, err)
	}
	return values, nil
}

func wrap(op, store string, err error) error {
	if errspkg.KindOf(err) != errspkg.KindUnknown {
		return err
	}
	return errspkg.BackendUnavailable(op, err).WithComponent(store)
}

// Cached wraps s with an expiring LRU cache when props set cacheTTL. Without
// it s is returned unchanged.
func Cached(s Store, props components.Properties) (Store, error) {
	ttl, err := props.Duration(PropertyCacheTTL, 0)
	if err != nil {
		return nil, err
	}
	if ttl < 0 {
		return nil, fmt.Errorf("metadata %q cannot be negative", PropertyCacheTTL)
	}
	if ttl == 0 {
		return s, nil
	}
	size, err := props.Int(PropertyCacheSize, defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return NewCache(s, size, ttl), nil
}

// Cache memoizes a Store. Failed lookups are not cached.
type Cache struct {
	inner Store
	one   *expirable.LRU[string, map[string]string]
	bulk  *expirable.LRU[string, map[string]map[string]string]
}

func NewCache(inner Store, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &Cache{
		inner: inner,
		one:   expirable.NewLRU[string, map[string]string](size, nil, ttl),
		bulk:  expirable.NewLRU[string, map[string]map[string]string](1, nil, ttl),
	}
}

func (c *Cache) GetSecret(ctx context.Context, key string) (map[string]string, error) {
	if v, ok := c.one.Get(key); ok {
		return copyValues(v), nil
	}
	v, err := c.inner.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	c.one.Add(key, copyValues(v))
	return v, nil
}

func (c *Cache) BulkGetSecret(ctx context.Context) (map[string]map[string]string, error) {
	if v, ok := c.bulk.Get(bulkCacheKey); ok {
		return copyBulk(v), nil
	}
	v, err := c.inner.BulkGetSecret(ctx)
	if err != nil {
		return nil, err
	}
	c.bulk.Add(bulkCacheKey, copyBulk(v))
	return v, nil
}

// Purge drops every cached entry.
func (c *Cache) Purge() {
	c.one.Purge()
	c.bulk.Purge()
}

func copyValues(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyBulk(in map[string]map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(in))
	for k, v := range in {
		out[k] = copyValues(v)
	}
	return out
}

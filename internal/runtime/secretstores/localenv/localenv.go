// Package localenv exposes process environment variables as the
// "secretstores.local.env" component.
package localenv

import (
	"context"
	"os"
	"strings"

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/internal/runtime/secretstores"
)

const ComponentType = "secretstores.local.env"

func init() {
	components.Register(ComponentType, func(_ context.Context, spec components.Spec, _ components.Deps) (any, error) {
		store := New(spec.Name, spec.Metadata.String("prefix", ""))
		return secretstores.Cached(store, spec.Metadata)
	})
}

// Store reads variables named <prefix><key>. Bulk reads list only variables
// carrying the prefix, keyed without it.
type Store struct {
	name    string
	prefix  string
	lookup  func(string) (string, bool)
	environ func() []string
}

func New(name, prefix string) *Store {
	return &Store{name: name, prefix: prefix, lookup: os.LookupEnv, environ: os.Environ}
}

func (s *Store) GetSecret(_ context.Context, key string) (map[string]string, error) {
	v, ok := s.lookup(s.prefix + key)
	if !ok {
		return nil, secretstores.NotFound(s.name, key)
	}
	return map[string]string{key: v}, nil
}

func (s *Store) BulkGetSecret(context.Context) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string)
	for _, kv := range s.environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || !strings.HasPrefix(k, s.prefix) {
			continue
		}
		key := strings.TrimPrefix(k, s.prefix)
		if key == "" {
			continue
		}
		out[key] = map[string]string{key: v}
	}
	return out, nil
}

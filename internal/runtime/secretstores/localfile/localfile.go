// Package localfile serves secrets from a JSON or YAML file as the
// "secretstores.local.file" component.
//
// Nested objects are flattened with nestedSeparator (default ":"), so
// {"db": {"password": "x"}} exposes the key "db:password". With
// multiValued: "true" each top-level key instead returns all of its nested
// values at once.
package localfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drblury/outrigger/internal/runtime/components"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	"github.com/drblury/outrigger/internal/runtime/secretstores"
)

const (
	ComponentType = "secretstores.local.file"

	defaultSeparator = ":"
)

func init() {
	components.Register(ComponentType, func(_ context.Context, spec components.Spec, _ components.Deps) (any, error) {
		cfg, err := ConfigFrom(spec.Metadata)
		if err != nil {
			return nil, err
		}
		store, err := Open(spec.Name, cfg)
		if err != nil {
			return nil, err
		}
		return secretstores.Cached(store, spec.Metadata)
	})
}

type Config struct {
	Path            string
	NestedSeparator string
	MultiValued     bool
}

func ConfigFrom(props components.Properties) (Config, error) {
	path, err := props.Required("secretsFile")
	if err != nil {
		return Config{}, err
	}
	multi, err := props.Bool("multiValued", false)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Path:            path,
		NestedSeparator: props.String("nestedSeparator", defaultSeparator),
		MultiValued:     multi,
	}, nil
}

// Store holds the secrets read at open time. The file is not watched.
type Store struct {
	name    string
	secrets map[string]map[string]string
}

// Open reads and flattens the file at cfg.Path.
func Open(name string, cfg Config) (*Store, error) {
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	raw, err := decode(cfg.Path, data)
	if err != nil {
		return nil, err
	}
	if cfg.NestedSeparator == "" {
		cfg.NestedSeparator = defaultSeparator
	}
	return &Store{name: name, secrets: build(raw, cfg)}, nil
}

func decode(path string, data []byte) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse secrets yaml: %w", err)
		}
	default:
		if err := jsoncodec.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse secrets json: %w", err)
		}
	}
	return raw, nil
}

func build(raw map[string]any, cfg Config) map[string]map[string]string {
	out := make(map[string]map[string]string)
	if cfg.MultiValued {
		for k, v := range raw {
			values := make(map[string]string)
			flatten("", v, cfg.NestedSeparator, values)
			if _, nested := v.(map[string]any); !nested {
				values = map[string]string{k: values[""]}
			}
			out[k] = values
		}
		return out
	}
	flat := make(map[string]string)
	flatten("", raw, cfg.NestedSeparator, flat)
	for k, v := range flat {
		out[k] = map[string]string{k: v}
	}
	return out
}

func flatten(prefix string, v any, sep string, out map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			key := k
			if prefix != "" {
				key = prefix + sep + k
			}
			flatten(key, child, sep, out)
		}
	case []any:
		for i, child := range t {
			flatten(fmt.Sprintf("%s%s%d", prefix, sep, i), child, sep, out)
		}
	case nil:
		out[prefix] = ""
	case string:
		out[prefix] = t
	default:
		out[prefix] = fmt.Sprint(t)
	}
}

func (s *Store) GetSecret(_ context.Context, key string) (map[string]string, error) {
	v, ok := s.secrets[key]
	if !ok {
		return nil, secretstores.NotFound(s.name, key)
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out, nil
}

func (s *Store) BulkGetSecret(ctx context.Context) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(s.secrets))
	for k := range s.secrets {
		v, _ := s.GetSecret(ctx, k)
		out[k] = v
	}
	return out, nil
}

// Keys lists the exposed secret keys, sorted.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

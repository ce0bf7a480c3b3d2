// Package redis registers the "state.redis" component backed by go-redis.
//
// Each item is a hash with "data" and "etag" fields. Conditional writes and
// transactions WATCH the touched keys, so a concurrent writer makes the
// EXEC fail instead of being overwritten.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/drblury/outrigger/internal/runtime/components"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/ids"
	"github.com/drblury/outrigger/internal/runtime/state"
)

// ComponentType is the manifest type of this driver.
const ComponentType = "state.redis"

const (
	fieldData = "data"
	fieldETag = "etag"
)

func init() {
	components.Register(ComponentType, Build)
}

// Options configures the client.
type Options struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// OptionsFromSpec reads redisHost, redisPassword, redisDB and dialTimeout.
func OptionsFromSpec(spec components.Spec) (Options, error) {
	addr, err := spec.Metadata.Required("redisHost")
	if err != nil {
		return Options{}, err
	}
	db, err := spec.Metadata.Int("redisDB", 0)
	if err != nil {
		return Options{}, err
	}
	timeout, err := spec.Metadata.Duration("dialTimeout", 5*time.Second)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Addr:     addr,
		Password: spec.Metadata.String("redisPassword", ""),
		DB:       db,
		Timeout:  timeout,
	}, nil
}

// Build connects and pings the server.
func Build(ctx context.Context, spec components.Spec, _ components.Deps) (any, error) {
	opts, err := OptionsFromSpec(spec)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	return New(client), nil
}

// Store implements state.Store, state.BulkStore and state.TransactionalStore.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Features() []state.Feature {
	return []state.Feature{state.FeatureETag, state.FeatureTransactional, state.FeatureTTL}
}

func toResponse(key string, vals []interface{}) state.GetResponse {
	if len(vals) != 2 || vals[1] == nil {
		return state.GetResponse{Key: key}
	}
	etag, _ := vals[1].(string)
	data, _ := vals[0].(string)
	return state.GetResponse{Key: key, Value: []byte(data), ETag: &etag, Found: true}
}

func (s *Store) Get(ctx context.Context, key string) (state.GetResponse, error) {
	vals, err := s.client.HMGet(ctx, key, fieldData, fieldETag).Result()
	if err != nil {
		return state.GetResponse{}, err
	}
	return toResponse(key, vals), nil
}

// BulkGet pipelines one HMGET per key.
func (s *Store) BulkGet(ctx context.Context, keys []string) ([]state.GetResponse, error) {
	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HMGet(ctx, k, fieldData, fieldETag)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]state.GetResponse, len(keys))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			out[i] = state.GetResponse{Key: keys[i], Error: err.Error()}
			continue
		}
		out[i] = toResponse(keys[i], vals)
	}
	return out, nil
}

func (s *Store) Set(ctx context.Context, req state.SetRequest) error {
	return s.apply(ctx, []state.TxOperation{{Type: state.Upsert, Set: req}}, false)
}

func (s *Store) Delete(ctx context.Context, req state.DeleteRequest) error {
	return s.apply(ctx, []state.TxOperation{{Type: state.Delete, Delete: req}}, false)
}

func (s *Store) Multi(ctx context.Context, ops []state.TxOperation) error {
	return s.apply(ctx, ops, true)
}

func opKey(op state.TxOperation) string {
	if op.Type == state.Delete {
		return op.Delete.Key
	}
	return op.Set.Key
}

func (s *Store) apply(ctx context.Context, ops []state.TxOperation, transactional bool) error {
	keys := make([]string, 0, len(ops))
	for _, op := range ops {
		keys = append(keys, opKey(op))
	}

	fail := func(err error) error {
		if transactional {
			return errspkg.TransactionAborted("state.transaction", err)
		}
		return err
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		etags := make(map[string]*string, len(keys))
		current := func(key string) (*string, error) {
			if e, ok := etags[key]; ok {
				return e, nil
			}
			v, err := tx.HGet(ctx, key, fieldETag).Result()
			if errors.Is(err, redis.Nil) {
				etags[key] = nil
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			etags[key] = &v
			return &v, nil
		}

		for _, op := range ops {
			cur, err := current(opKey(op))
			if err != nil {
				return err
			}
			stored := ""
			if cur != nil {
				stored = *cur
			}
			switch op.Type {
			case state.Upsert:
				if !state.ETagMatches(op.Set.ETag, stored, cur != nil) {
					return errspkg.PreconditionFailed("state.set", op.Set.Key)
				}
				next := ids.NewETag()
				etags[op.Set.Key] = &next
			case state.Delete:
				if !state.ETagMatches(op.Delete.ETag, stored, cur != nil) {
					return errspkg.PreconditionFailed("state.delete", op.Delete.Key)
				}
				etags[op.Delete.Key] = nil
			}
		}

		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, op := range ops {
				switch op.Type {
				case state.Upsert:
					p.Del(ctx, op.Set.Key)
					p.HSet(ctx, op.Set.Key, fieldData, op.Set.Value, fieldETag, *etags[op.Set.Key])
					if !op.Set.ExpiresAt.IsZero() {
						p.PExpireAt(ctx, op.Set.Key, op.Set.ExpiresAt)
					}
				case state.Delete:
					p.Del(ctx, op.Delete.Key)
				}
			}
			return nil
		})
		return err
	}, keys...)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fail(errspkg.PreconditionFailed("state.set", keys[0]))
	default:
		return fail(err)
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

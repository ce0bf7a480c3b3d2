// Package leveldb registers the embedded "state.leveldb" component.
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/drblury/outrigger/internal/runtime/components"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/ids"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
	"github.com/drblury/outrigger/internal/runtime/state"
)

// ComponentType is the manifest type of this driver.
const ComponentType = "state.leveldb"

func init() {
	components.Register(ComponentType, Build)
}

// Build opens the database directory named by "path". With inMemory set to
// true the data lives in memory only.
func Build(_ context.Context, spec components.Spec, _ components.Deps) (any, error) {
	inMemory, err := spec.Metadata.Bool("inMemory", false)
	if err != nil {
		return nil, err
	}
	if inMemory {
		return Open(storage.NewMemStorage())
	}
	path, err := spec.Metadata.Required("path")
	if err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Open opens a store on any goleveldb storage.
func Open(stor storage.Storage) (*Store, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

type record struct {
	Value     []byte `json:"v,omitempty"`
	ETag      string `json:"e"`
	ExpiresAt int64  `json:"x,omitempty"`
}

// Store keeps records encoded as JSON. Conditional writes hold mu between
// the etag check and the batch write.
type Store struct {
	mu  sync.Mutex
	db  *leveldb.DB
	now func() time.Time
}

func (s *Store) Features() []state.Feature {
	return []state.Feature{state.FeatureETag, state.FeatureTransactional, state.FeatureTTL}
}

func (s *Store) read(key string, now time.Time) (record, bool, error) {
	data, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	var r record
	if err := jsoncodec.Unmarshal(data, &r); err != nil {
		return record{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	if r.ExpiresAt != 0 && r.ExpiresAt <= now.UnixMilli() {
		return record{}, false, nil
	}
	return r, true, nil
}

func (s *Store) Get(_ context.Context, key string) (state.GetResponse, error) {
	r, ok, err := s.read(key, s.now())
	if err != nil || !ok {
		return state.GetResponse{Key: key}, err
	}
	etag := r.ETag
	return state.GetResponse{Key: key, Value: r.Value, ETag: &etag, Found: true}, nil
}

func (s *Store) Set(ctx context.Context, req state.SetRequest) error {
	return s.Multi(ctx, []state.TxOperation{{Type: state.Upsert, Set: req}})
}

func (s *Store) Delete(ctx context.Context, req state.DeleteRequest) error {
	return s.Multi(ctx, []state.TxOperation{{Type: state.Delete, Delete: req}})
}

// Multi stages ops into one leveldb.Batch, which is written atomically.
func (s *Store) Multi(_ context.Context, ops []state.TxOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	staged := make(map[string]*record)
	view := func(key string) (record, bool, error) {
		if r, ok := staged[key]; ok {
			if r == nil {
				return record{}, false, nil
			}
			return *r, true, nil
		}
		return s.read(key, now)
	}

	batch := new(leveldb.Batch)
	for _, op := range ops {
		switch op.Type {
		case state.Upsert:
			cur, ok, err := view(op.Set.Key)
			if err != nil {
				return s.fail(len(ops), err)
			}
			if !state.ETagMatches(op.Set.ETag, cur.ETag, ok) {
				return s.fail(len(ops), errspkg.PreconditionFailed("state.set", op.Set.Key))
			}
			next := &record{Value: op.Set.Value, ETag: ids.NewETag()}
			if !op.Set.ExpiresAt.IsZero() {
				next.ExpiresAt = op.Set.ExpiresAt.UnixMilli()
			}
			data, err := jsoncodec.Marshal(next)
			if err != nil {
				return s.fail(len(ops), err)
			}
			batch.Put([]byte(op.Set.Key), data)
			staged[op.Set.Key] = next
		case state.Delete:
			cur, ok, err := view(op.Delete.Key)
			if err != nil {
				return s.fail(len(ops), err)
			}
			if !state.ETagMatches(op.Delete.ETag, cur.ETag, ok) {
				return s.fail(len(ops), errspkg.PreconditionFailed("state.delete", op.Delete.Key))
			}
			batch.Delete([]byte(op.Delete.Key))
			staged[op.Delete.Key] = nil
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return s.fail(len(ops), err)
	}
	return nil
}

// fail reports single-step failures unchanged and batch failures as aborted
// transactions.
func (s *Store) fail(steps int, err error) error {
	if steps > 1 {
		return errspkg.TransactionAborted("state.transaction", err)
	}
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Package memory is the in-process state driver, registered as
// "state.in-memory".
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/outrigger/internal/runtime/components"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/ids"
	"github.com/drblury/outrigger/internal/runtime/state"
)

// ComponentType is the manifest type of this driver.
const ComponentType = "state.in-memory"

func init() {
	components.Register(ComponentType, func(context.Context, components.Spec, components.Deps) (any, error) {
		return New(), nil
	})
}

type entry struct {
	value     []byte
	etag      string
	expiresAt time.Time
}

// Store keeps items in a map guarded by a RWMutex.
type Store struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

func New() *Store {
	return &Store{items: make(map[string]entry), now: time.Now}
}

func (s *Store) Features() []state.Feature {
	return []state.Feature{state.FeatureETag, state.FeatureTransactional, state.FeatureTTL}
}

// lookup must be called with the lock held.
func (s *Store) lookup(key string, now time.Time) (entry, bool) {
	e, ok := s.items[key]
	if !ok || state.Expired(e.expiresAt, now) {
		return entry{}, false
	}
	return e, true
}

func (s *Store) Get(_ context.Context, key string) (state.GetResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.lookup(key, s.now())
	if !ok {
		return state.GetResponse{Key: key}, nil
	}
	etag := e.etag
	return state.GetResponse{
		Key:   key,
		Value: append([]byte(nil), e.value...),
		ETag:  &etag,
		Found: true,
	}, nil
}

func (s *Store) Set(_ context.Context, req state.SetRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSet(req, s.now()); err != nil {
		return err
	}
	s.applySet(req)
	return nil
}

func (s *Store) checkSet(req state.SetRequest, now time.Time) error {
	e, ok := s.lookup(req.Key, now)
	if !state.ETagMatches(req.ETag, e.etag, ok) {
		return errspkg.PreconditionFailed("state.set", req.Key)
	}
	return nil
}

func (s *Store) applySet(req state.SetRequest) {
	s.items[req.Key] = entry{
		value:     append([]byte(nil), req.Value...),
		etag:      ids.NewETag(),
		expiresAt: req.ExpiresAt,
	}
}

func (s *Store) Delete(_ context.Context, req state.DeleteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDelete(req, s.now()); err != nil {
		return err
	}
	delete(s.items, req.Key)
	return nil
}

func (s *Store) checkDelete(req state.DeleteRequest, now time.Time) error {
	e, ok := s.lookup(req.Key, now)
	if !state.ETagMatches(req.ETag, e.etag, ok) {
		return errspkg.PreconditionFailed("state.delete", req.Key)
	}
	return nil
}

// Multi validates every step against a staged view before touching the map,
// so a failing step leaves the store unchanged.
func (s *Store) Multi(_ context.Context, ops []state.TxOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	staged := make(map[string]*entry)
	view := func(key string) (entry, bool) {
		if e, ok := staged[key]; ok {
			if e == nil {
				return entry{}, false
			}
			return *e, true
		}
		return s.lookup(key, now)
	}

	for _, op := range ops {
		switch op.Type {
		case state.Upsert:
			cur, ok := view(op.Set.Key)
			if !state.ETagMatches(op.Set.ETag, cur.etag, ok) {
				return errspkg.TransactionAborted("state.transaction", errspkg.PreconditionFailed("state.set", op.Set.Key))
			}
			staged[op.Set.Key] = &entry{
				value:     append([]byte(nil), op.Set.Value...),
				etag:      ids.NewETag(),
				expiresAt: op.Set.ExpiresAt,
			}
		case state.Delete:
			cur, ok := view(op.Delete.Key)
			if !state.ETagMatches(op.Delete.ETag, cur.etag, ok) {
				return errspkg.TransactionAborted("state.transaction", errspkg.PreconditionFailed("state.delete", op.Delete.Key))
			}
			staged[op.Delete.Key] = nil
		}
	}

	for key, e := range staged {
		if e == nil {
			delete(s.items, key)
			continue
		}
		s.items[key] = *e
	}
	return nil
}

// Len counts live items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	n := 0
	for _, e := range s.items {
		if !state.Expired(e.expiresAt, now) {
			n++
		}
	}
	return n
}

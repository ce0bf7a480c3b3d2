// Package state is the key/value engine behind the state capability.
//
// Drivers implement Store and are registered as "state.<driver>" components.
// The Engine resolves a store by name, prefixes keys, turns ttlInSeconds
// metadata into expiry times and checks driver features before dispatch.
package state

import (
	"context"
	"time"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
)

// Feature is an optional driver capability.
type Feature string

const (
	FeatureETag          Feature = "ETAG"
	FeatureTransactional Feature = "TRANSACTIONAL"
	FeatureTTL           Feature = "TTL"
)

// OperationType is the action of one transaction step.
type OperationType string

const (
	Upsert OperationType = "upsert"
	Delete OperationType = "delete"
)

// Item is a value stored under a key. A nil ETag makes a write unconditional.
type Item struct {
	Key      string            `json:"key"`
	Value    []byte            `json:"value,omitempty"`
	ETag     *string           `json:"etag,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Operation is one step of a transaction.
type Operation struct {
	Type OperationType `json:"operation"`
	Item Item          `json:"request"`
}

// GetResponse is the result of reading one key. Found is false for missing
// and expired keys.
type GetResponse struct {
	Key      string            `json:"key"`
	Value    []byte            `json:"value,omitempty"`
	ETag     *string           `json:"etag,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Found    bool              `json:"found"`
	Error    string            `json:"error,omitempty"`
}

// SetRequest is a driver level write. Keys are already prefixed.
type SetRequest struct {
	Key       string
	Value     []byte
	ETag      *string
	ExpiresAt time.Time
}

// DeleteRequest is a driver level delete.
type DeleteRequest struct {
	Key  string
	ETag *string
}

// TxOperation is a driver level transaction step.
type TxOperation struct {
	Type   OperationType
	Set    SetRequest
	Delete DeleteRequest
}

// Store is implemented by every state driver.
//
// Get on a missing key returns a zero GetResponse and no error. A write or
// delete carrying an etag that does not match the stored one fails with a
// PreconditionFailed error and leaves the key untouched.
type Store interface {
	Features() []Feature
	Get(ctx context.Context, key string) (GetResponse, error)
	Set(ctx context.Context, req SetRequest) error
	Delete(ctx context.Context, req DeleteRequest) error
}

// BulkStore is implemented by drivers with a native multi-key read. Results
// are aligned with keys.
type BulkStore interface {
	BulkGet(ctx context.Context, keys []string) ([]GetResponse, error)
}

// TransactionalStore applies a batch atomically: every step commits or none
// does. Failures are reported as TransactionAborted wrapping the cause.
type TransactionalStore interface {
	Multi(ctx context.Context, ops []TxOperation) error
}

// HasFeature reports whether s declares f.
func HasFeature(s Store, f Feature) bool {
	for _, have := range s.Features() {
		if have == f {
			return true
		}
	}
	return false
}

// ETagMatches compares a requested etag with the stored one. A nil request
// always matches; a non-nil request never matches a missing key.
func ETagMatches(requested *string, stored string, exists bool) bool {
	if requested == nil {
		return true
	}
	return exists && *requested == stored
}

// Expired reports whether an item with expiry at is gone at now.
func Expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

// ETag returns a pointer to s, handy for building requests.
func ETag(s string) *string { return &s }

func storeErr(op, store string, err error) error {
	if err == nil {
		return nil
	}
	if errspkg.KindOf(err) != errspkg.KindUnknown {
		return err
	}
	return errspkg.BackendUnavailable(op, err).WithComponent(store)
}

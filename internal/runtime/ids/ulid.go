package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	return newULID(time.Now()).String()
}

// NewETag returns an opaque version tag for a stored item. Tags are unique per
// write, so two writes of the same value still produce different tags.
func NewETag() string {
	return newULID(time.Now()).String()
}

// ULIDTime extracts the creation time of a ULID string.
func ULIDTime(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

func newULID(at time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy)
}

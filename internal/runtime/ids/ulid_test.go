package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := 0; i < total; i++ {
		ids[i] = CreateULID()
	}

	for i := 0; i < total; i++ {
		if _, err := ulid.Parse(ids[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}
	for i := 1; i < total; i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", ids[i-1], ids[i])
		}
	}
}

func TestNewETagUniqueUnderConcurrency(t *testing.T) {
	const workers, perWorker = 8, 50
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tag := NewETag()
				mu.Lock()
				seen[tag] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique etags, got %d", workers*perWorker, len(seen))
	}
}

func TestULIDTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	at, ok := ULIDTime(CreateULID())
	if !ok || at.Before(before) {
		t.Fatalf("unexpected ULID time %v (ok=%v)", at, ok)
	}
	if _, ok := ULIDTime("not-a-ulid"); ok {
		t.Fatalf("expected parse failure")
	}
}

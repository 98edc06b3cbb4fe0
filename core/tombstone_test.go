package core

import (
	"path/filepath"
	"sync"
	"testing"
)

func openTestTombstoneStore(t *testing.T, maxSeq uint64) *TombstoneStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tombstones.bin")
	ts, err := OpenTombstoneStore(path, maxSeq)
	if err != nil {
		t.Fatalf("OpenTombstoneStore: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestTombstoneStoreMarkAndIs(t *testing.T) {
	ts := openTestTombstoneStore(t, 1<<16)

	if ts.Is(500) {
		t.Fatalf("unmarked sequence must report not-tombstoned")
	}
	if err := ts.Mark(500); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if !ts.Is(500) {
		t.Fatalf("marked sequence must report tombstoned")
	}
	// neighboring bits must be untouched.
	if ts.Is(499) || ts.Is(501) {
		t.Fatalf("marking one sequence must not affect its neighbors")
	}
}

func TestTombstoneStoreGrowsPastInitialSize(t *testing.T) {
	ts := openTestTombstoneStore(t, 8)

	big := uint64(1 << 20)
	if err := ts.Mark(big); err != nil {
		t.Fatalf("Mark past initial size: %v", err)
	}
	if !ts.Is(big) {
		t.Fatalf("sequence marked after a grow must report tombstoned")
	}
}

func TestTombstoneStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tombstones.bin")
	ts, err := OpenTombstoneStore(path, 1<<16)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ts.Mark(42); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := ts.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenTombstoneStore(path, 1<<16)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if !reopened.Is(42) {
		t.Fatalf("mark must survive a close/reopen cycle")
	}
}

// Concurrent Is() calls racing a Mark() that forces a grow (remapping
// t.data out from under them) must never panic or see a torn read, which
// is what -race is for; run under `go test -race` to make this meaningful.
func TestTombstoneStoreConcurrentReadsDuringGrow(t *testing.T) {
	ts := openTestTombstoneStore(t, 8)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					ts.Is(seq)
				}
			}
		}(uint64(i) * (1 << 18))
	}

	for i := uint64(1); i <= 1<<20; i <<= 2 {
		if err := ts.Mark(i); err != nil {
			t.Fatalf("Mark(%d): %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	if !ts.Is(1 << 20) {
		t.Fatalf("expected the final grown-into mark to stick")
	}
}

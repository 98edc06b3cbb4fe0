package core

// dedup.go implements the content-dedup window: an approximate probabilistic
// filter guarding a bounded exact set, backing the "possible-hit, then
// confirm" check described in the component design. The bloom filter uses
// the classic Kirsch-Mitzenmacher double-hashing trick (derive k indices
// from two independent 64-bit hashes instead of running k separate hash
// functions) to stay cheap at steady-state throughput; the exact set is a
// bounded FIFO, mirroring the "cap the table, purge the oldest quarter"
// idiom used for block-dedup indexes elsewhere in the ecosystem, simplified
// here to a strict one-in-one-out FIFO: drop exactly the oldest entry on each
// insert past capacity rather than a batch purge.

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

const (
	dedupBloomBits  = 1 << 23 // 1 MiB of bits
	dedupBloomHashK = 4
	dedupExactCap   = 500_000
)

// DedupWindow is the frame-level content-dedup gate: it tests a raw frame's
// digest against a probabilistic filter, then against a bounded exact set,
// before declaring the frame a duplicate.
type DedupWindow struct {
	mu sync.Mutex

	bloom *bitset.BitSet
	exact map[Hash]struct{}
	fifo  []Hash
	head  int
	count int
}

// NewDedupWindow constructs an empty dedup window sized per the component
// design: a 1 MiB / 4-hash bloom filter fronting a ~500k-entry exact set.
func NewDedupWindow() *DedupWindow {
	return &DedupWindow{
		bloom: bitset.New(dedupBloomBits),
		exact: make(map[Hash]struct{}, dedupExactCap),
		fifo:  make([]Hash, dedupExactCap),
	}
}

// bloomIndices derives k bit positions from digest using two independent
// 64-bit hashes combined per Kirsch-Mitzenmacher (h1 + i*h2 mod m).
func bloomIndices(digest Hash) [dedupBloomHashK]uint {
	h1 := xxhash.Sum64(digest[:])
	h2 := xxhash.Sum64(digest[16:])
	var idx [dedupBloomHashK]uint
	for i := 0; i < dedupBloomHashK; i++ {
		idx[i] = uint((h1 + uint64(i)*h2) % dedupBloomBits)
	}
	return idx
}

// CheckAndInsert reports whether digest has already been observed in the
// window. If it's new, it is recorded (bloom bits set, exact set and FIFO
// updated, oldest entry evicted from both if the set was already at
// capacity) before returning. Archival must still proceed either way since
// the archive is keyed by sequence, not content — this only drives the
// duplicate-accounting counter upstream.
func (d *DedupWindow) CheckAndInsert(digest Hash) (isDuplicate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	indices := bloomIndices(digest)
	possibleHit := true
	for _, idx := range indices {
		if !d.bloom.Test(idx) {
			possibleHit = false
			break
		}
	}

	if possibleHit {
		if _, ok := d.exact[digest]; ok {
			return true
		}
	}

	for _, idx := range indices {
		d.bloom.Set(idx)
	}
	d.insertExact(digest)
	return false
}

func (d *DedupWindow) insertExact(digest Hash) {
	if d.count == dedupExactCap {
		oldest := d.fifo[d.head]
		delete(d.exact, oldest)
		d.fifo[d.head] = digest
		d.head = (d.head + 1) % dedupExactCap
	} else {
		d.fifo[(d.head+d.count)%dedupExactCap] = digest
		d.count++
	}
	d.exact[digest] = struct{}{}
}

// Len reports the current exact-set occupancy, for metrics/tests.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

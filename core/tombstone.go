package core

// tombstone.go implements the tombstone store: a sparse, mmap-backed bit
// array indexed by global sequence. Bits are set, never cleared; bit seq
// lives at byte seq>>3, mask 1<<(seq&7), matching the file format exactly.
// A single writer goroutine observes delete events and sets bits; any
// number of goroutines call Is() concurrently. Setting a bit is a single OR
// of an already-mapped byte, so two racing Mark/Is calls against the same
// mapping never observe a torn bit — but growIfNeeded replaces the mapping
// outright (munmap then mmap), and an Is() call reading t.data mid-replace
// would see a half-updated slice header or, worse, a mapping the kernel has
// already torn down. mu serializes every access to t.data accordingly.

import (
	"os"
	"sync"
	"syscall"

	"sovereign-archive/pkg/utils"
)

// DefaultTombstoneMaxSeq sizes a freshly created tombstone (or blacklist)
// file to 512 MiB of bits, good for roughly 4 billion sequences before a
// grow is needed.
const DefaultTombstoneMaxSeq = 1<<32 - 1

// TombstoneStore is the mmap-backed delete marker bitset.
type TombstoneStore struct {
	mu   sync.RWMutex
	file *os.File
	data []byte
}

// OpenTombstoneStore opens (creating/growing if necessary) a bitset file
// sized to hold maxSeq+1 bits.
func OpenTombstoneStore(path string, maxSeq uint64) (*TombstoneStore, error) {
	size := int64(maxSeq/8) + 1

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, utils.Wrap(err, "tombstone: open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, utils.Wrap(err, "tombstone: stat")
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, utils.Wrap(err, "tombstone: truncate")
		}
	} else {
		size = info.Size()
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, utils.Wrap(err, "tombstone: mmap")
	}

	return &TombstoneStore{file: f, data: data}, nil
}

// Close unmaps and closes the backing file.
func (t *TombstoneStore) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	if t.data != nil {
		if err := syscall.Munmap(t.data); err != nil {
			firstErr = err
		}
		t.data = nil
	}
	if t.file != nil {
		if err := t.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// growIfNeeded remaps a larger file when seq falls past the currently mapped
// range. Callers must hold t.mu for writing.
func (t *TombstoneStore) growIfNeeded(seq uint64) error {
	needed := int64(seq/8) + 1
	if needed <= int64(len(t.data)) {
		return nil
	}
	newSize := needed * 2
	if err := t.file.Truncate(newSize); err != nil {
		return utils.Wrap(err, "tombstone: grow truncate")
	}
	if err := syscall.Munmap(t.data); err != nil {
		return utils.Wrap(err, "tombstone: grow munmap")
	}
	data, err := syscall.Mmap(int(t.file.Fd()), 0, int(newSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return utils.Wrap(err, "tombstone: grow mmap")
	}
	t.data = data
	return nil
}

// Mark sets the tombstone bit for seq. Only ever called from the single
// delete-event-processing goroutine, but still takes the write lock since
// growIfNeeded may replace t.data out from under concurrent Is() calls.
func (t *TombstoneStore) Mark(seq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.growIfNeeded(seq); err != nil {
		return err
	}
	t.data[seq>>3] |= 1 << (seq & 7)
	return nil
}

// Is reports whether seq has been tombstoned. Safe to call from any number
// of concurrent readers; only contends with a Mark call that's actively
// growing the mapping.
func (t *TombstoneStore) Is(seq uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := seq >> 3
	if idx >= uint64(len(t.data)) {
		return false
	}
	return t.data[idx]&(1<<(seq&7)) != 0
}

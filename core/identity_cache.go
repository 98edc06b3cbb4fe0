package core

// identity_cache.go implements the sovereign aggregator's identity cache: an
// open-addressed, linear-probe hash table living in one pre-sized mmap file,
// lock-free on the read path. Slot layout matches the file format exactly
// (offsets are load-bearing, not just documentation):
//
//	 0..32  author digest (256-bit)
//	32      key-type (1 = secp256k1, 2 = P-256)
//	33..66  compressed public key (33 bytes)
//	66..98  reserved (zeroed)
//	98      state (0 empty, 1 live, 2 tombstone, >=3 reserved)
//
// The state byte is the commit point: a reader must never observe fresh slot
// contents paired with stale state or vice versa. On every architecture this
// runs on, a single byte load or store cannot tear, so the remaining
// requirement is ordering — every other field is written before state, and
// state is read first on the lookup path, which the loop below already does
// by construction.

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"syscall"

	"sovereign-archive/pkg/utils"
)

const (
	identitySlotSize      = 99
	identityOffDigest     = 0
	identityOffKeyType    = 32
	identityOffKey        = 33
	identityOffReserved   = 66
	identityOffState      = 98
	identityStateEmpty    = 0
	identityStateLive     = 1
	identityStateTomb     = 2
)

// IdentityCache is the mmap-backed author -> public-key directory. Reads are
// lock-free; writes (Put/Tombstone) are serialized through mu, matching the
// "exclusive writer only" rule in the component design.
type IdentityCache struct {
	path string
	file *os.File
	data []byte
	slots uint64

	mu sync.Mutex
}

// OpenIdentityCache opens (creating if necessary) a fixed S-slot identity
// cache file and mmaps it for the lifetime of the returned cache. Per the
// failure-propagation rule, a cache-file-open failure here is meant to be
// treated as fatal by the caller.
func OpenIdentityCache(path string, slots uint64) (*IdentityCache, error) {
	if slots == 0 {
		return nil, fmt.Errorf("identity cache: slots must be > 0")
	}
	size := int64(slots) * identitySlotSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, utils.Wrap(err, "identity cache: open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, utils.Wrap(err, "identity cache: stat")
	}
	if info.Size() == 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, utils.Wrap(err, "identity cache: truncate")
		}
	} else if info.Size() != size {
		f.Close()
		return nil, fmt.Errorf("identity cache: file size %d does not match expected %d for %d slots: %w", info.Size(), size, slots, ErrCorrupt)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, utils.Wrap(err, "identity cache: mmap")
	}

	identityLog.WithField("slots", slots).WithField("path", path).Info("identity cache opened")
	return &IdentityCache{path: path, file: f, data: data, slots: slots}, nil
}

// Close unmaps and closes the backing file.
func (c *IdentityCache) Close() error {
	var firstErr error
	if c.data != nil {
		if err := syscall.Munmap(c.data); err != nil {
			firstErr = err
		}
		c.data = nil
	}
	if c.file != nil {
		if err := c.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *IdentityCache) slotOffset(idx uint64) int {
	return int(idx * identitySlotSize)
}

func (c *IdentityCache) startIndex(digest AuthorDigest) uint64 {
	// Fold the first 8 bytes of the digest into the table's index space. The
	// digest is already a cryptographic hash, so no further mixing is needed.
	h := uint64(0)
	for i := 0; i < 8; i++ {
		h = (h << 8) | uint64(digest[i])
	}
	return h % c.slots
}

// Lookup probes for digest without taking any lock, matching the table's
// lock-free read path. It returns ErrNotFound on a miss; tombstoned slots
// are skipped while probing, so a tombstoned author also reports
// ErrNotFound.
func (c *IdentityCache) Lookup(digest AuthorDigest) (PublicKeyMaterial, error) {
	start := c.startIndex(digest)
	for i := uint64(0); i < c.slots; i++ {
		idx := (start + i) % c.slots
		off := c.slotOffset(idx)
		state := c.data[off+identityOffState]
		switch {
		case state == identityStateEmpty:
			return PublicKeyMaterial{}, ErrNotFound
		case state == identityStateTomb:
			continue
		default: // live (1) or >=3 treated as live for match purposes
			if bytes.Equal(c.data[off+identityOffDigest:off+identityOffDigest+32], digest[:]) {
				var pk PublicKeyMaterial
				pk.Type = KeyType(c.data[off+identityOffKeyType])
				copy(pk.Key[:], c.data[off+identityOffKey:off+identityOffKey+33])
				return pk, nil
			}
		}
	}
	return PublicKeyMaterial{}, ErrNotFound
}

// Put inserts or updates the author's key material. The write order is
// digest/key-type/key/zeroed-reserved first, then the state byte last — the
// publish step a concurrent lock-free reader relies on.
func (c *IdentityCache) Put(digest AuthorDigest, key PublicKeyMaterial) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.startIndex(digest)
	slot := -1
	for i := uint64(0); i < c.slots; i++ {
		idx := (start + i) % c.slots
		off := c.slotOffset(idx)
		state := c.data[off+identityOffState]
		if state == identityStateEmpty {
			slot = off
			break
		}
		if state != identityStateTomb && bytes.Equal(c.data[off+identityOffDigest:off+identityOffDigest+32], digest[:]) {
			slot = off
			break
		}
	}
	if slot < 0 {
		return fmt.Errorf("identity cache: table full, no slot available for digest")
	}

	copy(c.data[slot+identityOffDigest:slot+identityOffDigest+32], digest[:])
	c.data[slot+identityOffKeyType] = byte(key.Type)
	copy(c.data[slot+identityOffKey:slot+identityOffKey+33], key.Key[:])
	for i := identityOffReserved; i < identityOffState; i++ {
		c.data[slot+i] = 0
	}
	c.data[slot+identityOffState] = identityStateLive
	return nil
}

// Tombstone marks digest's slot deleted. The probe must stop on the matching
// slot, not on the first empty slot, since tombstones must preserve probe
// chains for entries inserted after them.
func (c *IdentityCache) Tombstone(digest AuthorDigest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.startIndex(digest)
	for i := uint64(0); i < c.slots; i++ {
		idx := (start + i) % c.slots
		off := c.slotOffset(idx)
		state := c.data[off+identityOffState]
		if state == identityStateEmpty {
			return ErrNotFound
		}
		if state != identityStateTomb && bytes.Equal(c.data[off+identityOffDigest:off+identityOffDigest+32], digest[:]) {
			for j := identityOffKeyType; j < identityOffState; j++ {
				c.data[off+j] = 0
			}
			c.data[off+identityOffState] = identityStateTomb
			return nil
		}
	}
	return ErrNotFound
}

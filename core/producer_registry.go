package core

// producer_registry.go implements the producer registry: a grow-by-append
// mmap file of fixed 256-byte records, one per known producer endpoint.
// Lookup is always by index, never by URL, matching the data model's
// invariant; nothing in the package maps a URL back to its index.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"sovereign-archive/pkg/utils"
)

const (
	registryRecordSize = 256
	registryGrowBy     = 4096

	regOffURL          = 0
	regURLLen          = 200
	regOffFailureCount = 200
	regOffPad          = 204
	regOffLastSuccess  = 208
	regOffLastAttempt  = 216
	regOffPenaltyUntil = 224
	regOffReserved     = 232
)

// ProducerRecord is the decoded form of one registry slot.
type ProducerRecord struct {
	URL           string
	FailureCount  uint32
	LastSuccess   time.Time
	LastAttempt   time.Time
	PenaltyUntil  time.Time
}

// ProducerRegistry is the mmap-backed, append-only table of producer
// endpoints and their health state.
type ProducerRegistry struct {
	mu    sync.Mutex
	file  *os.File
	data  []byte
	count int // number of populated records; data may hold more (grown ahead)
}

// OpenProducerRegistry opens or creates the registry file at path, loading
// however many populated records it already holds.
func OpenProducerRegistry(path string) (*ProducerRegistry, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, utils.Wrap(err, "producer registry: open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, utils.Wrap(err, "producer registry: stat")
	}

	size := info.Size()
	if size == 0 {
		size = int64(registryGrowBy * registryRecordSize)
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, utils.Wrap(err, "producer registry: initial truncate")
		}
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, utils.Wrap(err, "producer registry: mmap")
	}

	r := &ProducerRegistry{file: f, data: data}
	r.count = r.scanCount()
	return r, nil
}

// scanCount finds how many leading slots hold a non-empty URL. Registry
// entries are only ever appended, never deleted, so the first empty URL
// marks the end of the populated range.
func (r *ProducerRegistry) scanCount() int {
	slots := len(r.data) / registryRecordSize
	for i := 0; i < slots; i++ {
		off := i * registryRecordSize
		if r.data[off] == 0 {
			return i
		}
	}
	return slots
}

// Close unmaps and closes the backing file.
func (r *ProducerRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	if r.data != nil {
		if err := syscall.Munmap(r.data); err != nil {
			firstErr = err
		}
		r.data = nil
	}
	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (r *ProducerRegistry) growIfNeeded(slots int) error {
	needed := int64(slots) * registryRecordSize
	if needed <= int64(len(r.data)) {
		return nil
	}
	newSlots := (slots/registryGrowBy + 1) * registryGrowBy
	newSize := int64(newSlots) * registryRecordSize
	if err := r.file.Truncate(newSize); err != nil {
		return utils.Wrap(err, "producer registry: grow truncate")
	}
	if err := syscall.Munmap(r.data); err != nil {
		return utils.Wrap(err, "producer registry: grow munmap")
	}
	data, err := syscall.Mmap(int(r.file.Fd()), 0, int(newSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return utils.Wrap(err, "producer registry: grow mmap")
	}
	r.data = data
	return nil
}

// Append adds a new endpoint and returns its index.
func (r *ProducerRegistry) Append(url string) (int, error) {
	if len(url) >= regURLLen {
		return 0, fmt.Errorf("producer registry: url %q exceeds %d bytes", url, regURLLen-1)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.count
	if err := r.growIfNeeded(idx + 1); err != nil {
		return 0, err
	}
	off := idx * registryRecordSize
	rec := r.data[off : off+registryRecordSize]
	for i := range rec {
		rec[i] = 0
	}
	copy(rec[regOffURL:regOffURL+regURLLen], url)
	r.count++
	return idx, nil
}

// Count returns the number of populated entries.
func (r *ProducerRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func decodeRecord(rec []byte) ProducerRecord {
	urlBytes := rec[regOffURL : regOffURL+regURLLen]
	if nul := bytes.IndexByte(urlBytes, 0); nul >= 0 {
		urlBytes = urlBytes[:nul]
	}
	return ProducerRecord{
		URL:          string(urlBytes),
		FailureCount: binary.LittleEndian.Uint32(rec[regOffFailureCount : regOffFailureCount+4]),
		LastSuccess:  timeFromUnix(binary.LittleEndian.Uint64(rec[regOffLastSuccess : regOffLastSuccess+8])),
		LastAttempt:  timeFromUnix(binary.LittleEndian.Uint64(rec[regOffLastAttempt : regOffLastAttempt+8])),
		PenaltyUntil: timeFromUnix(binary.LittleEndian.Uint64(rec[regOffPenaltyUntil : regOffPenaltyUntil+8])),
	}
}

func timeFromUnix(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

// Get returns the record at index.
func (r *ProducerRegistry) Get(index int) (ProducerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= r.count {
		return ProducerRecord{}, ErrNotFound
	}
	off := index * registryRecordSize
	return decodeRecord(r.data[off : off+registryRecordSize]), nil
}

// All returns every populated record, in index order, for admin reporting.
func (r *ProducerRegistry) All() []ProducerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProducerRecord, r.count)
	for i := 0; i < r.count; i++ {
		off := i * registryRecordSize
		out[i] = decodeRecord(r.data[off : off+registryRecordSize])
	}
	return out
}

// maxPenaltySeconds is the one-hour cap on the exponential backoff window.
const maxPenaltySeconds = 3600

// penaltyFor computes the penalty_until offset in seconds for a given
// consecutive failure count: 30 * 2^min(count, 7), capped at one hour.
func penaltyFor(count uint32) int64 {
	shift := count
	if shift > 7 {
		shift = 7
	}
	secs := int64(30) << shift
	if secs > maxPenaltySeconds {
		secs = maxPenaltySeconds
	}
	return secs
}

// RecordSuccess resets the failure counter and stamps last-success/attempt
// to now.
func (r *ProducerRegistry) RecordSuccess(index int, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= r.count {
		return ErrNotFound
	}
	off := index * registryRecordSize
	rec := r.data[off : off+registryRecordSize]
	binary.LittleEndian.PutUint32(rec[regOffFailureCount:regOffFailureCount+4], 0)
	binary.LittleEndian.PutUint64(rec[regOffLastSuccess:regOffLastSuccess+8], uint64(now.Unix()))
	binary.LittleEndian.PutUint64(rec[regOffLastAttempt:regOffLastAttempt+8], uint64(now.Unix()))
	binary.LittleEndian.PutUint64(rec[regOffPenaltyUntil:regOffPenaltyUntil+8], 0)
	return nil
}

// RecordFailure increments the failure counter, stamps last-attempt, and
// sets a fresh penalty_until per the exponential schedule. It returns the
// new failure count and the penalty expiry.
func (r *ProducerRegistry) RecordFailure(index int, now time.Time) (uint32, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= r.count {
		return 0, time.Time{}, ErrNotFound
	}
	off := index * registryRecordSize
	rec := r.data[off : off+registryRecordSize]
	count := binary.LittleEndian.Uint32(rec[regOffFailureCount:regOffFailureCount+4]) + 1
	binary.LittleEndian.PutUint32(rec[regOffFailureCount:regOffFailureCount+4], count)
	binary.LittleEndian.PutUint64(rec[regOffLastAttempt:regOffLastAttempt+8], uint64(now.Unix()))
	penaltyUntil := now.Add(time.Duration(penaltyFor(count)) * time.Second)
	binary.LittleEndian.PutUint64(rec[regOffPenaltyUntil:regOffPenaltyUntil+8], uint64(penaltyUntil.Unix()))
	return count, penaltyUntil, nil
}

// UnderPenalty reports whether index's endpoint is still within its penalty
// window as of now.
func (r *ProducerRegistry) UnderPenalty(index int, now time.Time) (bool, error) {
	rec, err := r.Get(index)
	if err != nil {
		return false, err
	}
	return rec.PenaltyUntil.After(now), nil
}

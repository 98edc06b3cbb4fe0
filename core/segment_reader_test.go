package core

import (
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
)

// P3 / S4: marking a sequence tombstoned makes both GetBySequence and
// GetRawClusterBySequence treat it as gone, even though the underlying
// cluster bytes are still on disk.
func TestSegmentReaderTombstoneSuppression(t *testing.T) {
	base := t.TempDir()
	shardDir := filepath.Join(base, "shard-0")
	compr := newTestCompressor(t)

	w, err := NewShardWriter(0, shardDir, 1000, compr)
	if err != nil {
		t.Fatalf("NewShardWriter: %v", err)
	}
	w.Append(ArchivedMessage{Sequence: 500, AuthorID: []byte("did:x"), Path: []byte("p/1"), Payload: []byte("gone soon")})
	w.Close()

	reader, err := OpenSegmentReader(base, compr)
	if err != nil {
		t.Fatalf("OpenSegmentReader: %v", err)
	}
	defer reader.Close()

	tombPath := filepath.Join(t.TempDir(), "tombstones.bin")
	tomb, err := OpenTombstoneStore(tombPath, 1<<16)
	if err != nil {
		t.Fatalf("OpenTombstoneStore: %v", err)
	}
	defer tomb.Close()

	if got, err := reader.GetBySequence(0, 500, tomb); err != nil || string(got) != "gone soon" {
		t.Fatalf("before tombstone: got %q, %v", got, err)
	}

	if err := tomb.Mark(500); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	if _, err := reader.GetBySequence(0, 500, tomb); err != ErrTombstoned {
		t.Fatalf("expected ErrTombstoned after marking, got %v", err)
	}

	// Querying the tombstoned sequence itself fails outright, the same as
	// GetBySequence, regardless of what else shares its cluster.
	if _, err := reader.GetRawClusterBySequence(0, 500, tomb); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound querying a tombstoned sequence directly, got %v", err)
	}
}

// P3: a cluster holding more than one author message still serves the
// surviving sibling after one member is tombstoned, rebuilt without the
// tombstoned payload.
func TestSegmentReaderTombstoneRebuildsSharedCluster(t *testing.T) {
	base := t.TempDir()
	shardDir := filepath.Join(base, "shard-0")
	compr := newTestCompressor(t)

	w, err := NewShardWriter(0, shardDir, 1000, compr)
	if err != nil {
		t.Fatalf("NewShardWriter: %v", err)
	}
	w.Append(ArchivedMessage{Sequence: 10, AuthorID: []byte("did:shared"), Path: []byte("p/1"), Payload: []byte("keep me")})
	w.Append(ArchivedMessage{Sequence: 11, AuthorID: []byte("did:shared"), Path: []byte("p/2"), Payload: []byte("delete me")})
	w.Close()

	reader, err := OpenSegmentReader(base, compr)
	if err != nil {
		t.Fatalf("OpenSegmentReader: %v", err)
	}
	defer reader.Close()

	tombPath := filepath.Join(t.TempDir(), "tombstones.bin")
	tomb, err := OpenTombstoneStore(tombPath, 1<<16)
	if err != nil {
		t.Fatalf("OpenTombstoneStore: %v", err)
	}
	defer tomb.Close()

	if err := tomb.Mark(11); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	if got, err := reader.GetBySequence(0, 10, tomb); err != nil || string(got) != "keep me" {
		t.Fatalf("surviving sibling: got %q, %v", got, err)
	}
	if _, err := reader.GetBySequence(0, 11, tomb); err != ErrTombstoned {
		t.Fatalf("expected ErrTombstoned for the deleted member, got %v", err)
	}

	raw, err := reader.GetRawClusterBySequence(0, 10, tomb)
	if err != nil {
		t.Fatalf("GetRawClusterBySequence for surviving sibling: %v", err)
	}
	decoded, err := compr.Decompress(nil, raw)
	if err != nil {
		t.Fatalf("decompress rebuilt cluster: %v", err)
	}
	count, lengths, payloadStart := parseClusterHeader(decoded)
	if count != 1 {
		t.Fatalf("expected the rebuilt cluster to hold exactly 1 message, got %d", count)
	}
	got := decoded[payloadStart : payloadStart+lengths[0]]
	if string(got) != "keep me" {
		t.Fatalf("expected rebuilt cluster to contain only the surviving payload, got %q", got)
	}

	// Querying the tombstoned sibling directly still fails outright, even
	// though the cluster it shares with seq 10 has a live member.
	if _, err := reader.GetRawClusterBySequence(0, 11, tomb); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound querying the tombstoned sibling directly, got %v", err)
	}
}

// Rescan picks up a segment written after the reader was first opened.
func TestSegmentReaderRescanPicksUpNewSegment(t *testing.T) {
	base := t.TempDir()
	shardDir := filepath.Join(base, "shard-0")
	compr := newTestCompressor(t)

	w, err := NewShardWriter(0, shardDir, 1000, compr)
	if err != nil {
		t.Fatalf("NewShardWriter: %v", err)
	}
	w.Append(ArchivedMessage{Sequence: 1, AuthorID: []byte("did:x"), Path: []byte("p/1"), Payload: []byte("first segment")})
	w.Close()

	reader, err := OpenSegmentReader(base, compr)
	if err != nil {
		t.Fatalf("OpenSegmentReader: %v", err)
	}
	defer reader.Close()

	if reader.Tip() != 1 {
		t.Fatalf("expected tip 1 before second segment, got %d", reader.Tip())
	}

	w2, err := NewShardWriter(0, shardDir, 1000, compr)
	if err != nil {
		t.Fatalf("NewShardWriter (second): %v", err)
	}
	w2.Append(ArchivedMessage{Sequence: 2, AuthorID: []byte("did:x"), Path: []byte("p/2"), Payload: []byte("second segment")})
	w2.Close()

	if _, err := reader.GetBySequence(0, 2, nil); err != ErrNotFound {
		t.Fatalf("expected the un-rescanned reader to miss the new segment, got %v", err)
	}

	if err := reader.Rescan(); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if got, err := reader.GetBySequence(0, 2, nil); err != nil || string(got) != "second segment" {
		t.Fatalf("after rescan: got %q, %v", got, err)
	}
	if reader.Tip() != 2 {
		t.Fatalf("expected tip 2 after rescan, got %d", reader.Tip())
	}
}

// FindByPathHash returns the most recently archived match for a path hash
// that appears more than once.
func TestSegmentReaderFindByPathHashReturnsNewest(t *testing.T) {
	base := t.TempDir()
	shardDir := filepath.Join(base, "shard-0")
	compr := newTestCompressor(t)

	w, err := NewShardWriter(0, shardDir, 1000, compr)
	if err != nil {
		t.Fatalf("NewShardWriter: %v", err)
	}
	w.Append(ArchivedMessage{Sequence: 1, AuthorID: []byte("did:x"), Path: []byte("p/rev"), Payload: []byte("version one")})
	w.Append(ArchivedMessage{Sequence: 2, AuthorID: []byte("did:x"), Path: []byte("p/rev"), Payload: []byte("version two")})
	w.Close()

	reader, err := OpenSegmentReader(base, compr)
	if err != nil {
		t.Fatalf("OpenSegmentReader: %v", err)
	}
	defer reader.Close()

	pathHash := xxhash.Sum64([]byte("p/rev"))
	seq, payload, err := reader.FindByPathHash(0, pathHash, nil)
	if err != nil {
		t.Fatalf("FindByPathHash: %v", err)
	}
	if seq != 2 || string(payload) != "version two" {
		t.Fatalf("expected the newest match (seq 2, %q), got seq %d, %q", "version two", seq, payload)
	}
}

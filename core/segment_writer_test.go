package core

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func newTestCompressor(t *testing.T) *Compressor {
	t.Helper()
	c, err := NewCompressor(nil)
	if err != nil {
		t.Fatalf("NewCompressor: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// S1: write two messages, finalize, read them back, and check the exact
// index file size the component design calls for (32-byte root plus
// 28 bytes per index record).
func TestSegmentWriterS1RoundTripAndIndexSize(t *testing.T) {
	base := t.TempDir()
	shardDir := filepath.Join(base, "shard-0")
	compr := newTestCompressor(t)

	w, err := NewShardWriter(0, shardDir, 1000, compr)
	if err != nil {
		t.Fatalf("NewShardWriter: %v", err)
	}

	w.Append(ArchivedMessage{Sequence: 100, AuthorID: []byte("did:x"), Path: []byte("p/1"), Payload: []byte("hello")})
	w.Append(ArchivedMessage{Sequence: 101, AuthorID: []byte("did:x"), Path: []byte("p/2"), Payload: []byte("world")})
	w.Close()

	reader, err := OpenSegmentReader(base, compr)
	if err != nil {
		t.Fatalf("OpenSegmentReader: %v", err)
	}
	defer reader.Close()

	got, err := reader.GetBySequence(0, 100, nil)
	if err != nil || string(got) != "hello" {
		t.Fatalf("seq 100: got %q, %v, want %q", got, err, "hello")
	}
	got, err = reader.GetBySequence(0, 101, nil)
	if err != nil || string(got) != "world" {
		t.Fatalf("seq 101: got %q, %v, want %q", got, err, "world")
	}

	idxPath := filepath.Join(shardDir, "s0_100.idx")
	info, err := os.Stat(idxPath)
	if err != nil {
		t.Fatalf("stat index file: %v", err)
	}
	wantSize := int64(32 + 28*2)
	if info.Size() != wantSize {
		t.Fatalf("expected index file size %d, got %d", wantSize, info.Size())
	}
}

// P1: round trip for a general sequence of tuples with unique increasing
// sequences.
func TestSegmentWriterRoundTripMultipleAuthors(t *testing.T) {
	base := t.TempDir()
	shardDir := filepath.Join(base, "shard-0")
	compr := newTestCompressor(t)
	w, err := NewShardWriter(0, shardDir, 1000, compr)
	if err != nil {
		t.Fatalf("NewShardWriter: %v", err)
	}

	type tuple struct {
		seq     uint64
		author  string
		path    string
		payload string
	}
	tuples := []tuple{
		{10, "did:a", "p/1", "alpha-one"},
		{11, "did:b", "p/1", "bravo-one"},
		{12, "did:a", "p/2", "alpha-two"},
		{13, "did:c", "p/1", "charlie-one"},
	}
	for _, tp := range tuples {
		w.Append(ArchivedMessage{Sequence: tp.seq, AuthorID: []byte(tp.author), Path: []byte(tp.path), Payload: []byte(tp.payload)})
	}
	w.Close()

	reader, err := OpenSegmentReader(base, compr)
	if err != nil {
		t.Fatalf("OpenSegmentReader: %v", err)
	}
	defer reader.Close()

	for _, tp := range tuples {
		got, err := reader.GetBySequence(0, tp.seq, nil)
		if err != nil {
			t.Fatalf("seq %d: %v", tp.seq, err)
		}
		if string(got) != tp.payload {
			t.Fatalf("seq %d: got %q, want %q", tp.seq, got, tp.payload)
		}
	}
}

// P5: writing sequences {100, 105} in one segment; reads at 100 and 105
// succeed; reads at 101-104 return not-found.
func TestSegmentWriterGapHandling(t *testing.T) {
	base := t.TempDir()
	shardDir := filepath.Join(base, "shard-0")
	compr := newTestCompressor(t)
	w, err := NewShardWriter(0, shardDir, 1000, compr)
	if err != nil {
		t.Fatalf("NewShardWriter: %v", err)
	}
	w.Append(ArchivedMessage{Sequence: 100, AuthorID: []byte("did:x"), Path: []byte("p/1"), Payload: []byte("first")})
	w.Append(ArchivedMessage{Sequence: 105, AuthorID: []byte("did:x"), Path: []byte("p/2"), Payload: []byte("second")})
	w.Close()

	reader, err := OpenSegmentReader(base, compr)
	if err != nil {
		t.Fatalf("OpenSegmentReader: %v", err)
	}
	defer reader.Close()

	if got, err := reader.GetBySequence(0, 100, nil); err != nil || string(got) != "first" {
		t.Fatalf("seq 100: got %q, %v", got, err)
	}
	if got, err := reader.GetBySequence(0, 105, nil); err != nil || string(got) != "second" {
		t.Fatalf("seq 105: got %q, %v", got, err)
	}
	for seq := uint64(101); seq <= 104; seq++ {
		if _, err := reader.GetBySequence(0, seq, nil); err != ErrNotFound {
			t.Fatalf("seq %d: expected ErrNotFound, got %v", seq, err)
		}
	}
}

// P4 / S2: an untampered segment verifies; flipping a single payload byte
// on disk and reopening causes the integrity check to fail.
func TestSegmentIntegrityCheckDetectsTamper(t *testing.T) {
	base := t.TempDir()
	shardDir := filepath.Join(base, "shard-0")
	compr := newTestCompressor(t)
	w, err := NewShardWriter(0, shardDir, 1000, compr)
	if err != nil {
		t.Fatalf("NewShardWriter: %v", err)
	}
	bigPayload := make([]byte, 512)
	for i := range bigPayload {
		bigPayload[i] = byte(i % 251)
	}
	w.Append(ArchivedMessage{Sequence: 1, AuthorID: []byte("did:x"), Path: []byte("p/1"), Payload: bigPayload})
	w.Close()

	reader, err := OpenSegmentReader(base, compr)
	if err != nil {
		t.Fatalf("OpenSegmentReader: %v", err)
	}
	ok, err := reader.IntegrityCheck(0, 1)
	if err != nil {
		t.Fatalf("IntegrityCheck: %v", err)
	}
	if !ok {
		t.Fatalf("expected untampered segment to verify")
	}
	reader.Close()

	dataPath := filepath.Join(shardDir, "s0_1.bin")
	raw, err := os.ReadFile(dataPath)
	if err != nil {
		t.Fatalf("read data file: %v", err)
	}
	if len(raw) < 51 {
		t.Fatalf("data file too short to flip a byte at offset 50: %d bytes", len(raw))
	}
	raw[50] ^= 0xFF
	if err := os.WriteFile(dataPath, raw, 0o644); err != nil {
		t.Fatalf("write tampered data file: %v", err)
	}

	reader2, err := OpenSegmentReader(base, compr)
	if err != nil {
		t.Fatalf("reopen after tamper: %v", err)
	}
	defer reader2.Close()
	ok, err = reader2.IntegrityCheck(0, 1)
	if err == nil && ok {
		t.Fatalf("expected tampered segment to fail integrity check")
	}
}

// P6: the same author id routed twice lands in the same shard.
func TestShardForAuthorStable(t *testing.T) {
	author := []byte("did:plc:stableauthor")
	a := ShardForAuthor(author, 16)
	b := ShardForAuthor(author, 16)
	if a != b {
		t.Fatalf("expected stable shard routing, got %d then %d", a, b)
	}
}

// S3: ingest 100 distinct authors across 16 shards; at least 9 shard
// directories contain at least one segment pair.
func TestShardedArchiveWriterDistributesAcrossShards(t *testing.T) {
	dir := t.TempDir()
	compr := newTestCompressor(t)
	sw, err := NewShardedArchiveWriter(dir, 16, 1, compr)
	if err != nil {
		t.Fatalf("NewShardedArchiveWriter: %v", err)
	}

	for i := 0; i < 100; i++ {
		author := []byte{byte(i), byte(i >> 8), byte('a' + i%26)}
		sw.Append(ArchivedMessage{
			Sequence: uint64(i + 1),
			AuthorID: author,
			Path:     []byte("p/1"),
			Payload:  []byte("payload"),
		})
	}
	sw.Close()

	populated := 0
	for shard := 0; shard < 16; shard++ {
		matches, _ := filepath.Glob(filepath.Join(dir, fmt.Sprintf("shard-%d", shard), "s*.bin"))
		if len(matches) > 0 {
			populated++
		}
	}
	if populated < 9 {
		t.Fatalf("expected at least 9 populated shard directories, got %d", populated)
	}
}

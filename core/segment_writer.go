package core

// segment_writer.go implements the sharded archive writer: K independent
// shards, each with its own pending buffer and its own single background
// persister goroutine, so no archive component serializes across shards.
// A message is routed to its shard by hashing its author identifier (see
// ShardForAuthor) and appended there; once a shard's pending buffer crosses
// its flush threshold the buffer is swapped out and handed to that shard's
// persister, which alone ever writes segment files for that shard.

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"sovereign-archive/pkg/utils"
)

const defaultFlushThreshold = 50_000

// LowLatencyFlushThreshold is the smaller threshold used when the operator
// trades archive-file efficiency for fresher durability.
const LowLatencyFlushThreshold = 500

// shardBuffer accumulates not-yet-persisted messages for one shard, keyed by
// author so the persister can build one cluster per author without resorting
// the whole buffer.
type shardBuffer struct {
	startSeq uint64
	maxSeq   uint64
	byAuthor map[string][]ArchivedMessage
	count    int
}

func newShardBuffer() *shardBuffer {
	return &shardBuffer{byAuthor: make(map[string][]ArchivedMessage)}
}

// ShardWriter owns one shard's pending buffer and its persister goroutine.
type ShardWriter struct {
	shardID   int
	dir       string
	threshold int
	compr     *Compressor

	mu      sync.Mutex
	pending *shardBuffer

	flushCh chan *shardBuffer
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// NewShardWriter starts shardID's persister goroutine and returns a writer
// ready to accept Append calls. dir is the shard's segment directory.
func NewShardWriter(shardID int, dir string, threshold int, compr *Compressor) (*ShardWriter, error) {
	if threshold <= 0 {
		threshold = defaultFlushThreshold
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, utils.Wrap(err, "shard writer: mkdir")
	}
	w := &ShardWriter{
		shardID:   shardID,
		dir:       dir,
		threshold: threshold,
		compr:     compr,
		pending:   newShardBuffer(),
		flushCh:   make(chan *shardBuffer, 2),
		doneCh:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.persistLoop()
	return w, nil
}

// Append buffers msg and triggers a flush handoff once the shard's pending
// count reaches its threshold. Callers never block on disk I/O here; the
// handoff channel only blocks if the persister has fallen two flushes behind.
func (w *ShardWriter) Append(msg ArchivedMessage) {
	w.mu.Lock()
	if w.pending.count == 0 {
		w.pending.startSeq = msg.Sequence
	}
	author := string(msg.AuthorID)
	w.pending.byAuthor[author] = append(w.pending.byAuthor[author], msg)
	w.pending.count++
	if msg.Sequence > w.pending.maxSeq {
		w.pending.maxSeq = msg.Sequence
	}
	ready := w.pending.count >= w.threshold
	var toFlush *shardBuffer
	if ready {
		toFlush = w.pending
		w.pending = newShardBuffer()
	}
	w.mu.Unlock()

	if toFlush != nil {
		w.flushCh <- toFlush
	}
}

// Flush forces the current pending buffer to persist even if it hasn't
// reached the threshold yet, used during graceful shutdown.
func (w *ShardWriter) Flush() {
	w.mu.Lock()
	toFlush := w.pending
	w.pending = newShardBuffer()
	w.mu.Unlock()

	if toFlush.count > 0 {
		w.flushCh <- toFlush
	}
}

// Close flushes any remaining pending messages and stops the persister
// goroutine once it has drained the handoff channel.
func (w *ShardWriter) Close() {
	w.Flush()
	close(w.flushCh)
	w.wg.Wait()
}

func (w *ShardWriter) persistLoop() {
	defer w.wg.Done()
	for buf := range w.flushCh {
		if err := w.persist(buf); err != nil {
			archiveLog.WithError(err).WithField("shard", w.shardID).Error("shard persist failed")
		}
	}
}

// persist implements the flush algorithm: build one compressed cluster per
// author, append clusters to the shard's data file in author-sorted order,
// write a gap-filled fixed-width index alongside a Merkle integrity root
// over the segment's payloads in sequence order, and fsync both files (and
// the shard directory) before returning. Both files are written under .tmp
// names and renamed to their final names only after both are synced, so a
// segment is only ever visible to readers once this fsync has completed.
func (w *ShardWriter) persist(buf *shardBuffer) error {
	if buf.count == 0 {
		return nil
	}

	authors := make([]string, 0, len(buf.byAuthor))
	for a := range buf.byAuthor {
		authors = append(authors, a)
	}
	sort.Strings(authors)

	bySeq := make(map[uint64]IndexRecord, buf.count)
	leavesBySeq := make(map[uint64][]byte, buf.count)

	dataPath := filepath.Join(w.dir, fmt.Sprintf("s%d_%d.bin", w.shardID, buf.startSeq))
	idxPath := filepath.Join(w.dir, fmt.Sprintf("s%d_%d.idx", w.shardID, buf.startSeq))
	dataTmp, idxTmp := dataPath+".tmp", idxPath+".tmp"

	dataFile, err := os.OpenFile(dataTmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return utils.Wrap(err, "shard persist: open data file")
	}
	defer dataFile.Close()

	var clusterOffset uint64
	for _, author := range authors {
		msgs := buf.byAuthor[author]
		cluster, offsets := buildCluster(msgs)
		compressed := w.compr.Compress(nil, cluster)

		if _, err := dataFile.Write(compressed); err != nil {
			return utils.Wrap(err, "shard persist: write cluster")
		}

		for i, m := range msgs {
			pathHash := xxhash.Sum64(m.Path)
			bySeq[m.Sequence] = IndexRecord{
				ClusterOffset:    clusterOffset,
				CompressedLength: uint32(len(compressed)),
				InnerOffset:      offsets[i],
				PayloadLength:    uint32(len(m.Payload)),
				PathHash:         pathHash,
			}
			leavesBySeq[m.Sequence] = m.Payload
		}
		clusterOffset += uint64(len(compressed))
	}

	if err := dataFile.Sync(); err != nil {
		return utils.Wrap(err, "shard persist: sync data file")
	}

	leaves := make([][]byte, 0, buf.count)
	for seq := buf.startSeq; seq <= buf.maxSeq; seq++ {
		if l, ok := leavesBySeq[seq]; ok {
			leaves = append(leaves, l)
		}
	}
	root, err := ComputeMerkleRoot(leaves)
	if err != nil {
		return utils.Wrap(err, "shard persist: merkle root")
	}

	idxFile, err := os.OpenFile(idxTmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return utils.Wrap(err, "shard persist: open index file")
	}
	defer idxFile.Close()

	if _, err := idxFile.Write(root[:]); err != nil {
		return utils.Wrap(err, "shard persist: write root")
	}

	rec := make([]byte, indexRecordSize)
	for seq := buf.startSeq; seq <= buf.maxSeq; seq++ {
		r := bySeq[seq] // zero value for gaps
		binary.LittleEndian.PutUint64(rec[0:8], r.ClusterOffset)
		binary.LittleEndian.PutUint32(rec[8:12], r.CompressedLength)
		binary.LittleEndian.PutUint32(rec[12:16], r.InnerOffset)
		binary.LittleEndian.PutUint32(rec[16:20], r.PayloadLength)
		binary.LittleEndian.PutUint64(rec[20:28], r.PathHash)
		if _, err := idxFile.Write(rec); err != nil {
			return utils.Wrap(err, "shard persist: write index record")
		}
	}

	if err := idxFile.Sync(); err != nil {
		return utils.Wrap(err, "shard persist: sync index file")
	}

	// Readers discover segments by their .bin name, so it is published last.
	if err := os.Rename(idxTmp, idxPath); err != nil {
		return utils.Wrap(err, "shard persist: publish index file")
	}
	if err := os.Rename(dataTmp, dataPath); err != nil {
		return utils.Wrap(err, "shard persist: publish data file")
	}

	if dir, err := os.Open(w.dir); err == nil {
		dir.Sync()
		dir.Close()
	}

	archiveLog.WithFields(logrus.Fields{
		"shard":     w.shardID,
		"start_seq": buf.startSeq,
		"max_seq":   buf.maxSeq,
		"count":     buf.count,
	}).Info("shard segment persisted")
	return nil
}

// buildCluster concatenates one author's messages into the
// [u16 count][u32 len_i]...[payload_0][payload_1]... cluster layout and
// returns the inner byte offset of each message's payload within it.
func buildCluster(msgs []ArchivedMessage) (cluster []byte, offsets []uint32) {
	headerSize := 2 + 4*len(msgs)
	total := headerSize
	for _, m := range msgs {
		total += len(m.Payload)
	}
	cluster = make([]byte, 0, total)

	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(msgs)))
	cluster = append(cluster, countBuf[:]...)

	for _, m := range msgs {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(m.Payload)))
		cluster = append(cluster, lenBuf[:]...)
	}

	offsets = make([]uint32, len(msgs))
	for i, m := range msgs {
		offsets[i] = uint32(len(cluster))
		cluster = append(cluster, m.Payload...)
	}
	return cluster, offsets
}

// ShardedArchiveWriter fans incoming messages out to K independent
// ShardWriters by author hash (see ShardForAuthor).
type ShardedArchiveWriter struct {
	shards []*ShardWriter
}

// NewShardedArchiveWriter starts k shard writers rooted at baseDir/shard-N.
func NewShardedArchiveWriter(baseDir string, k int, threshold int, compr *Compressor) (*ShardedArchiveWriter, error) {
	shards := make([]*ShardWriter, k)
	for i := 0; i < k; i++ {
		dir := filepath.Join(baseDir, fmt.Sprintf("shard-%d", i))
		w, err := NewShardWriter(i, dir, threshold, compr)
		if err != nil {
			for _, s := range shards[:i] {
				s.Close()
			}
			return nil, err
		}
		shards[i] = w
	}
	return &ShardedArchiveWriter{shards: shards}, nil
}

// Append routes msg to its shard by hashing the author identifier, so a
// single author's traffic always lands on the same shard regardless of
// sequence.
func (s *ShardedArchiveWriter) Append(msg ArchivedMessage) {
	shard := ShardForAuthor(msg.AuthorID, len(s.shards))
	s.shards[shard].Append(msg)
}

// ShardForAuthor returns the shard index an author identifier hashes to
// among k shards. Exposed so callers that need to know a message's shard
// (the Ingestor locating a delete op's target) use the exact same mapping
// as the writer.
func ShardForAuthor(authorID []byte, k int) int {
	return int(xxhash.Sum64(authorID) % uint64(k))
}

// Flush forces every shard's pending buffer to persist immediately, without
// stopping the shards' persister goroutines. Used by a graceful-shutdown
// path that still wants Close's own flush-then-stop sequencing to run
// afterward, and by any caller that wants a durability checkpoint mid-run.
func (s *ShardedArchiveWriter) Flush() {
	for _, w := range s.shards {
		w.Flush()
	}
}

// Close flushes and stops every shard's persister, in order, so shutdown
// deterministically finalizes every shard's pending payloads before
// returning.
func (s *ShardedArchiveWriter) Close() {
	for _, w := range s.shards {
		w.Close()
	}
}

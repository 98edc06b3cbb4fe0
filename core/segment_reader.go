package core

// segment_reader.go implements the segmented archive reader: it discovers a
// shard's `s{shard}_{start_seq}.{bin,idx}` segment pairs, mmaps each data
// file read-only, and answers point lookups either by global sequence or by
// record path hash. Segments are immutable once fsynced, so every segment's
// data stays mapped and shared across every concurrent reader for its whole
// lifetime; only the per-segment decompressed-cluster cache needs a lock.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"sovereign-archive/pkg/utils"
)

const clusterCacheCap = 512

var segmentFileRe = regexp.MustCompile(`^s(\d+)_(\d+)\.bin$`)

// segment is one immutable, mapped archive segment.
type segment struct {
	shardID  int
	startSeq uint64
	maxSeq   uint64

	dataPath string
	data     []byte

	root    Hash
	records []IndexRecord // records[i] corresponds to sequence startSeq+i

	// clusterSeqs maps a cluster's byte offset in data to the sequence
	// numbers its messages carry, in on-disk (ascending inner-offset) order.
	// Built once at load time from the index, used to rebuild a filtered
	// cluster when Get-raw-cluster needs to skip a tombstoned member.
	clusterSeqs map[uint64][]uint64

	cacheMu sync.Mutex
	cache   map[uint64][]byte // clusterOffset -> decompressed cluster bytes
}

func (s *segment) contains(seq uint64) bool {
	return seq >= s.startSeq && seq <= s.maxSeq
}

// SegmentReader serves reads across every discovered segment of one shard
// directory tree (one subdirectory per shard, matching ShardedArchiveWriter).
type SegmentReader struct {
	compr   *Compressor
	baseDir string

	mu      sync.RWMutex
	byShard map[int][]*segment // sorted ascending by startSeq
}

// OpenSegmentReader scans baseDir/shard-*/ for segment pairs and mmaps every
// data file it finds.
func OpenSegmentReader(baseDir string, compr *Compressor) (*SegmentReader, error) {
	r := &SegmentReader{compr: compr, baseDir: baseDir, byShard: make(map[int][]*segment)}

	shardDirs, err := filepath.Glob(filepath.Join(baseDir, "shard-*"))
	if err != nil {
		return nil, utils.Wrap(err, "segment reader: glob shard dirs")
	}
	for _, dir := range shardDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, utils.Wrap(err, "segment reader: read shard dir")
		}
		for _, ent := range entries {
			m := segmentFileRe.FindStringSubmatch(ent.Name())
			if m == nil {
				continue
			}
			shardID, _ := strconv.Atoi(m[1])
			startSeq, _ := strconv.ParseUint(m[2], 10, 64)
			seg, err := loadSegment(dir, shardID, startSeq)
			if err != nil {
				return nil, err
			}
			r.byShard[shardID] = append(r.byShard[shardID], seg)
		}
	}
	for shardID := range r.byShard {
		segs := r.byShard[shardID]
		sort.Slice(segs, func(i, j int) bool { return segs[i].startSeq < segs[j].startSeq })
		r.byShard[shardID] = segs
	}
	return r, nil
}

// Rescan re-globs the shard directories, picking up segments written since
// the reader was opened (the live-tail path calls this when a forward walk
// runs past the last known segment with no data left to return).
func (r *SegmentReader) Rescan() error {
	fresh, err := OpenSegmentReader(r.baseDir, r.compr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.byShard = fresh.byShard
	r.mu.Unlock()
	return nil
}

func loadSegment(dir string, shardID int, startSeq uint64) (*segment, error) {
	dataPath := filepath.Join(dir, fmt.Sprintf("s%d_%d.bin", shardID, startSeq))
	idxPath := filepath.Join(dir, fmt.Sprintf("s%d_%d.idx", shardID, startSeq))

	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, utils.Wrap(err, "segment reader: open data")
	}
	defer dataFile.Close()
	info, err := dataFile.Stat()
	if err != nil {
		return nil, utils.Wrap(err, "segment reader: stat data")
	}
	var data []byte
	if info.Size() > 0 {
		data, err = syscall.Mmap(int(dataFile.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
		if err != nil {
			return nil, utils.Wrap(err, "segment reader: mmap data")
		}
	}

	idxBytes, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, utils.Wrap(err, "segment reader: read index")
	}
	if len(idxBytes) < 32 {
		return nil, fmt.Errorf("segment reader: index file %s too short", idxPath)
	}
	var root Hash
	copy(root[:], idxBytes[:32])

	body := idxBytes[32:]
	if len(body)%indexRecordSize != 0 {
		return nil, fmt.Errorf("segment reader: index file %s has a truncated record", idxPath)
	}
	n := len(body) / indexRecordSize
	records := make([]IndexRecord, n)
	clusterSeqs := make(map[uint64][]uint64)
	for i := 0; i < n; i++ {
		rec := body[i*indexRecordSize : (i+1)*indexRecordSize]
		ir := IndexRecord{
			ClusterOffset:    binary.LittleEndian.Uint64(rec[0:8]),
			CompressedLength: binary.LittleEndian.Uint32(rec[8:12]),
			InnerOffset:      binary.LittleEndian.Uint32(rec[12:16]),
			PayloadLength:    binary.LittleEndian.Uint32(rec[16:20]),
			PathHash:         binary.LittleEndian.Uint64(rec[20:28]),
		}
		records[i] = ir
		if ir.PayloadLength > 0 || ir.CompressedLength > 0 {
			seq := startSeq + uint64(i)
			clusterSeqs[ir.ClusterOffset] = append(clusterSeqs[ir.ClusterOffset], seq)
		}
	}
	for offset := range clusterSeqs {
		seqs := clusterSeqs[offset]
		sort.Slice(seqs, func(i, j int) bool {
			ri := records[seqs[i]-startSeq]
			rj := records[seqs[j]-startSeq]
			return ri.InnerOffset < rj.InnerOffset
		})
		clusterSeqs[offset] = seqs
	}

	return &segment{
		shardID:     shardID,
		startSeq:    startSeq,
		maxSeq:      startSeq + uint64(n) - 1,
		dataPath:    dataPath,
		data:        data,
		root:        root,
		records:     records,
		clusterSeqs: clusterSeqs,
		cache:       make(map[uint64][]byte, clusterCacheCap),
	}, nil
}

func (r *SegmentReader) findSegment(shardID int, seq uint64) *segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	segs := r.byShard[shardID]
	i := sort.Search(len(segs), func(i int) bool { return segs[i].startSeq > seq })
	if i == 0 {
		return nil
	}
	seg := segs[i-1]
	if !seg.contains(seq) {
		return nil
	}
	return seg
}

func (seg *segment) decompressedCluster(compr *Compressor, offset uint64, length uint32) ([]byte, error) {
	seg.cacheMu.Lock()
	defer seg.cacheMu.Unlock()
	if cached, ok := seg.cache[offset]; ok {
		return cached, nil
	}
	if uint64(len(seg.data)) < offset+uint64(length) {
		return nil, ErrCorrupt
	}
	raw := seg.data[offset : offset+uint64(length)]
	plain, err := compr.Decompress(nil, raw)
	if err != nil {
		return nil, utils.Wrap(err, "segment reader: decompress cluster")
	}
	if len(seg.cache) >= clusterCacheCap {
		seg.cache = make(map[uint64][]byte, clusterCacheCap)
	}
	seg.cache[offset] = plain
	return plain, nil
}

// GetBySequence returns the payload archived at seq within shardID, or
// ErrNotFound if no message was ever ingested there, or ErrTombstoned if it
// was later deleted. tombstones may be nil to skip the tombstone check.
func (r *SegmentReader) GetBySequence(shardID int, seq uint64, tombstones *TombstoneStore) ([]byte, error) {
	if tombstones != nil && tombstones.Is(seq) {
		return nil, ErrTombstoned
	}
	seg := r.findSegment(shardID, seq)
	if seg == nil {
		return nil, ErrNotFound
	}
	rec := seg.records[seq-seg.startSeq]
	if rec.PayloadLength == 0 && rec.CompressedLength == 0 {
		return nil, ErrNotFound
	}
	cluster, err := seg.decompressedCluster(r.compr, rec.ClusterOffset, rec.CompressedLength)
	if err != nil {
		return nil, err
	}
	start := rec.InnerOffset
	end := start + rec.PayloadLength
	if uint64(end) > uint64(len(cluster)) {
		return nil, ErrCorrupt
	}
	out := make([]byte, rec.PayloadLength)
	copy(out, cluster[start:end])
	return out, nil
}

// GetRawClusterBySequence returns the compressed cluster containing seq, for
// the relay's fast forwarding path: subscribers with a matching dictionary
// can store the bytes without a decompress/recompress round trip. Like
// GetBySequence, a tombstoned seq fails outright, same as querying a
// sequence that was never written. If some other message sharing that
// cluster has since been tombstoned, the cluster is rebuilt without it and
// freshly recompressed instead of being served as-is.
func (r *SegmentReader) GetRawClusterBySequence(shardID int, seq uint64, tombstones *TombstoneStore) ([]byte, error) {
	if tombstones != nil && tombstones.Is(seq) {
		return nil, ErrNotFound
	}
	seg := r.findSegment(shardID, seq)
	if seg == nil {
		return nil, ErrNotFound
	}
	rec := seg.records[seq-seg.startSeq]
	if rec.PayloadLength == 0 && rec.CompressedLength == 0 {
		return nil, ErrNotFound
	}

	members := seg.clusterSeqs[rec.ClusterOffset]
	anyTombstoned := false
	if tombstones != nil {
		for _, s := range members {
			if tombstones.Is(s) {
				anyTombstoned = true
				break
			}
		}
	}
	if !anyTombstoned {
		if uint64(len(seg.data)) < rec.ClusterOffset+uint64(rec.CompressedLength) {
			return nil, ErrCorrupt
		}
		raw := seg.data[rec.ClusterOffset : rec.ClusterOffset+uint64(rec.CompressedLength)]
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	}

	cluster, err := seg.decompressedCluster(r.compr, rec.ClusterOffset, rec.CompressedLength)
	if err != nil {
		return nil, err
	}
	kept := make([]ArchivedMessage, 0, len(members))
	count, lengths, payloadStart := parseClusterHeader(cluster)
	offset := payloadStart
	for i := 0; i < count; i++ {
		seq := members[i]
		l := lengths[i]
		if tombstones == nil || !tombstones.Is(seq) {
			kept = append(kept, ArchivedMessage{Sequence: seq, Payload: cluster[offset : offset+int(l)]})
		}
		offset += int(l)
	}
	rebuilt, _ := buildCluster(kept)
	return r.compr.Compress(nil, rebuilt), nil
}

func parseClusterHeader(cluster []byte) (count int, lengths []int, payloadStart int) {
	count = int(binary.LittleEndian.Uint16(cluster[0:2]))
	lengths = make([]int, count)
	off := 2
	for i := 0; i < count; i++ {
		lengths[i] = int(binary.LittleEndian.Uint32(cluster[off : off+4]))
		off += 4
	}
	return count, lengths, off
}

// FindByPathHash scans shardID's segments newest-first for a record whose
// path hash matches, returning the most recently archived match. This is a
// linear scan by design: path-hash collisions and rewrite history both mean
// more than one sequence can share a hash, and only a full scan guarantees
// the most recent one is returned.
func (r *SegmentReader) FindByPathHash(shardID int, pathHash uint64, tombstones *TombstoneStore) (uint64, []byte, error) {
	r.mu.RLock()
	segs := append([]*segment(nil), r.byShard[shardID]...)
	r.mu.RUnlock()

	for i := len(segs) - 1; i >= 0; i-- {
		seg := segs[i]
		for i := len(seg.records) - 1; i >= 0; i-- {
			rec := seg.records[i]
			if rec.PathHash != pathHash || (rec.PayloadLength == 0 && rec.CompressedLength == 0) {
				continue
			}
			seq := seg.startSeq + uint64(i)
			if tombstones != nil && tombstones.Is(seq) {
				continue
			}
			cluster, err := seg.decompressedCluster(r.compr, rec.ClusterOffset, rec.CompressedLength)
			if err != nil {
				return 0, nil, err
			}
			start := rec.InnerOffset
			end := start + rec.PayloadLength
			out := make([]byte, rec.PayloadLength)
			copy(out, cluster[start:end])
			return seq, out, nil
		}
	}
	return 0, nil, ErrNotFound
}

// IntegrityCheck recomputes shardID's segment at startSeq's Merkle root from
// its decompressed, non-missing payloads in sequence order and compares it
// against the root stored in the segment's index file.
func (r *SegmentReader) IntegrityCheck(shardID int, startSeq uint64) (bool, error) {
	r.mu.RLock()
	var seg *segment
	for _, s := range r.byShard[shardID] {
		if s.startSeq == startSeq {
			seg = s
			break
		}
	}
	r.mu.RUnlock()
	if seg == nil {
		return false, ErrNotFound
	}

	leaves := make([][]byte, 0, len(seg.records))
	for i, rec := range seg.records {
		if rec.PayloadLength == 0 && rec.CompressedLength == 0 {
			continue
		}
		cluster, err := seg.decompressedCluster(r.compr, rec.ClusterOffset, rec.CompressedLength)
		if err != nil {
			return false, err
		}
		start := rec.InnerOffset
		end := start + rec.PayloadLength
		_ = i
		leaves = append(leaves, cluster[start:end])
	}
	if len(leaves) == 0 {
		return bytes.Equal(seg.root[:], make([]byte, 32)), nil
	}
	root, err := ComputeMerkleRoot(leaves)
	if err != nil {
		return false, err
	}
	return root == seg.root, nil
}

// Tip reports the highest sequence held by any discovered segment across
// every shard, for callers (the relay's TailOnly cursor default) that need
// a starting point without tracking live ingest state themselves.
func (r *SegmentReader) Tip() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max uint64
	for _, segs := range r.byShard {
		if len(segs) == 0 {
			continue
		}
		last := segs[len(segs)-1]
		if last.maxSeq > max {
			max = last.maxSeq
		}
	}
	return max
}

// Close unmaps every segment's data file.
func (r *SegmentReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, segs := range r.byShard {
		for _, seg := range segs {
			if seg.data == nil {
				continue
			}
			if err := syscall.Munmap(seg.data); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

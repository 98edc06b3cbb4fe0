package core

// pipeline.go wires the per-frame ingestion path: parse, count content
// duplicates against the dedup window, resolve the author's key
// (cache-first, directory on miss), verify the commit signature, apply
// delete ops against the tombstone store, and hand every verified frame
// (duplicates included) to the sharded archive writer. It is the
// glue between FanoutPool's raw byte stream and the storage layer; nothing
// here owns a network connection or a file descriptor of its own.

import (
	"context"
	"crypto/sha256"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// IngestResult classifies what happened to one frame, for callers that want
// to track per-endpoint accounting beyond the package metrics.
type IngestResult int

const (
	IngestArchived IngestResult = iota
	// IngestDuplicate: archived, but its content digest was already in the
	// dedup window.
	IngestDuplicate
	IngestParseDropped
	IngestUnresolvable
	IngestRejected
)

// Ingestor runs one frame at a time through the full pipeline. A single
// Ingestor is shared by every fanout worker goroutine; every field it reads
// or writes past construction is already safe for concurrent use.
type Ingestor struct {
	shardCount int

	identity *IdentityCache
	resolver *KeyResolver
	verifier *Verifier
	dedup    *DedupWindow
	archive  *ShardedArchiveWriter
	reader   *SegmentReader // for resolving a delete op's target sequence; may be nil
	tomb     *TombstoneStore
	metrics  *Metrics

	nextSeq uint64 // atomic fetch-add source for the archive's own ingestion sequence
	seqHigh uint64 // highest sequence assigned so far, atomic; read by Tip
}

// NewIngestor wires the components a running aggregator needs to turn
// parsed frames into archived, tombstone-aware state. reader may be nil if
// delete ops should be accepted but not resolved against history yet (e.g.
// during a migrate/backfill run where no segment reader is open); when
// non-nil its current Tip seeds the ingestion sequence counter so a restart
// continues numbering instead of colliding with what's already archived.
//
// Producer-provided sequences are not globally unique across endpoints —
// the archive assigns its own monotonic sequence on ingest and keeps the
// producer's own sequence only in the per-endpoint resume cursor.
func NewIngestor(shardCount int, identity *IdentityCache, resolver *KeyResolver, verifier *Verifier, dedup *DedupWindow, archive *ShardedArchiveWriter, reader *SegmentReader, tomb *TombstoneStore, metrics *Metrics) *Ingestor {
	p := &Ingestor{
		shardCount: shardCount,
		identity:   identity,
		resolver:   resolver,
		verifier:   verifier,
		dedup:      dedup,
		archive:    archive,
		reader:     reader,
		tomb:       tomb,
		metrics:    metrics,
	}
	if reader != nil {
		tip := reader.Tip()
		p.nextSeq = tip
		p.seqHigh = tip
	}
	return p
}

// Tip reports the highest archive sequence Ingest has assigned so far.
func (p *Ingestor) Tip() uint64 {
	return atomic.LoadUint64(&p.seqHigh)
}

// Ingest runs one raw frame through parse, dedup accounting, resolve, verify
// and archive. It has no error return: a malformed, unresolvable or
// unverifiable frame is a terminal outcome reported via the return value and
// metrics, not a failure the caller must react to.
//
// The second return value is the envelope's producer-assigned sequence (not
// the archive's own ingestion sequence, which this function allocates
// internally and never exposes) and is only meaningful when ok is true,
// which happens as soon as the frame parses — even if it is later
// deduplicated, rejected, or unresolvable. A caller tracking per-endpoint
// resume cursors should advance past a frame the moment it parses, since a
// frame this pipeline has already looked at should never be replayed on
// reconnect regardless of its final outcome.
func (p *Ingestor) Ingest(ctx context.Context, frame []byte) (result IngestResult, seq uint64, ok bool) {
	if p.metrics != nil {
		p.metrics.FramesIngested.Inc()
	}

	env, err := ParseEnvelope(frame)
	if err != nil {
		if p.metrics != nil {
			p.metrics.FramesRejected.Inc()
		}
		return IngestParseDropped, 0, false
	}

	// A repeated digest is only counted here; the frame still goes on to be
	// archived, since the archive is keyed by sequence, not content.
	digest := sha256.Sum256(frame)
	duplicate := p.dedup.CheckAndInsert(Hash(digest))
	if duplicate && p.metrics != nil {
		p.metrics.FramesDuplicate.Inc()
	}

	key, err := p.resolveKey(ctx, env.AuthorID)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ResolverErrors.Inc()
		}
		return IngestUnresolvable, env.Sequence, true
	}

	ok, verr := p.verifier.Verify(env, key)
	if verr == nil && !ok {
		// Possibly a rotated key the cache hasn't caught up with yet: one
		// forced re-resolve past the cache, then one more check.
		if fresh, ferr := p.resolver.Resolve(ctx, string(env.AuthorID)); ferr == nil {
			_ = p.identity.Put(DigestAuthor(env.AuthorID), fresh)
			ok, verr = p.verifier.Verify(env, fresh)
			key = fresh
		}
	}
	if verr != nil || !ok {
		if p.metrics != nil {
			p.metrics.FramesRejected.Inc()
		}
		return IngestRejected, env.Sequence, true
	}
	if p.metrics != nil {
		p.metrics.FramesVerified.Inc()
	}

	p.applyOps(env)

	archiveSeq := atomic.AddUint64(&p.nextSeq, 1)
	msg := ArchivedMessage{
		Sequence: archiveSeq,
		AuthorID: env.AuthorID,
		Path:     primaryPath(env.Ops),
		Payload:  frame,
	}
	p.archive.Append(msg)
	bumpHigh(&p.seqHigh, archiveSeq)
	if p.metrics != nil {
		p.metrics.FramesArchived.Inc()
	}
	if duplicate {
		return IngestDuplicate, env.Sequence, true
	}
	return IngestArchived, env.Sequence, true
}

// resolveKey looks the author up in the cache first, falling back to the
// directory resolver on a clean miss and populating the cache on success.
func (p *Ingestor) resolveKey(ctx context.Context, authorID []byte) (PublicKeyMaterial, error) {
	digest := DigestAuthor(authorID)
	if key, err := p.identity.Lookup(digest); err == nil {
		return key, nil
	}
	if p.metrics != nil {
		p.metrics.ResolverMisses.Inc()
	}
	key, err := p.resolver.Resolve(ctx, string(authorID))
	if err != nil {
		return PublicKeyMaterial{}, err
	}
	_ = p.identity.Put(digest, key)
	return key, nil
}

// applyOps tombstones the prior archived record for every delete op in the
// envelope. It requires a segment reader to locate the target sequence by
// path hash; without one, deletes are accepted but have no effect on
// history yet (used during one-shot conversions that never replay a delete).
func (p *Ingestor) applyOps(env *Envelope) {
	if p.reader == nil || p.tomb == nil {
		return
	}
	shard := ShardForAuthor(env.AuthorID, p.shardCount)
	for _, op := range env.Ops {
		if op.Action != OpDelete {
			continue
		}
		pathHash := xxhash.Sum64(op.Path)
		seq, _, err := p.reader.FindByPathHash(shard, pathHash, p.tomb)
		if err != nil {
			continue
		}
		if err := p.tomb.Mark(seq); err == nil && p.metrics != nil {
			p.metrics.FramesTombstoned.Inc()
		}
	}
}

// primaryPath returns the path of the first op in an envelope, used as the
// archived message's path-hash key. Envelopes with no ops archive under a
// nil path, whose index record carries the hash of the empty path like any
// other (the record is still reachable by sequence).
func primaryPath(ops []RecordOp) []byte {
	if len(ops) == 0 {
		return nil
	}
	return ops[0].Path
}

func bumpHigh(addr *uint64, seq uint64) {
	for {
		cur := atomic.LoadUint64(addr)
		if seq <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(addr, cur, seq) {
			return
		}
	}
}

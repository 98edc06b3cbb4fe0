// Package core implements the sovereign aggregator's ingestion engine: the
// frame parser, identity cache, verifier, fanout client pool, dedup layer,
// sharded archive writer/reader, tombstone store and relay server.
package core

import (
	"crypto/sha256"
	"errors"
)

// Hash is a 256-bit digest, used both for the canonical commit hash and for
// content digests in the dedup window.
type Hash [32]byte

// AuthorDigest is the fixed-width key under which the identity cache stores
// author records. Author identifiers are opaque, possibly long, strings; the
// digest is what actually gets probed in the mmap table.
type AuthorDigest [32]byte

// DigestAuthor hashes an opaque author identifier into its cache key.
func DigestAuthor(authorID []byte) AuthorDigest {
	return AuthorDigest(sha256.Sum256(authorID))
}

// OpAction enumerates the per-record action kinds carried by an envelope.
type OpAction uint8

const (
	OpCreate OpAction = iota + 1
	OpUpdate
	OpDelete
)

func (a OpAction) String() string {
	switch a {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// RecordOp is one per-record operation within an envelope: a create, update
// or delete of the record at Path, optionally naming a content identifier.
type RecordOp struct {
	Action    OpAction
	Path      []byte
	RecordCID []byte
}

// Envelope is the result of parsing one wire frame. Every byte slice is a
// borrowed view into the original buffer the frame arrived in — none of them
// are copied, and none are valid once that buffer is reused or discarded.
type Envelope struct {
	Raw         []byte
	HeaderKind  []byte
	AuthorID    []byte
	Sequence    uint64
	BlocksBag   []byte
	CommitCID   []byte
	CommitBlock []byte
	Signature   []byte
	Ops         []RecordOp
}

// KeyType tags the curve a compressed public key belongs to. The values
// match the identity cache's on-disk slot layout.
type KeyType uint8

const (
	KeyTypeSecp256k1 KeyType = 1
	KeyTypeP256      KeyType = 2
)

// PublicKeyMaterial is what the identity cache stores and the resolver
// fetches: a key-type tag plus its 33-byte compressed encoding.
type PublicKeyMaterial struct {
	Type KeyType
	Key  [33]byte
}

// ArchivedMessage is one sequenced frame handed to the archive writer once it
// has cleared verification (a frame already seen by the dedup window is
// archived too, and only counted as a duplicate). Path is the record path used for
// path-hash lookups; Payload is the full raw frame bytes to be archived
// verbatim.
type ArchivedMessage struct {
	Sequence uint64
	AuthorID []byte
	Path     []byte
	Payload  []byte
}

// IndexRecord is one fixed-width entry in a segment's .idx file, describing
// where sequence's payload lives within the segment's compressed clusters.
// A record with PayloadLength==0 and CompressedLength==0 (the zero value the
// writer emits for a missing sequence) denotes a gap: no message was ever
// ingested at that sequence.
type IndexRecord struct {
	ClusterOffset     uint64
	CompressedLength  uint32
	InnerOffset       uint32
	PayloadLength     uint32
	PathHash          uint64
}

const indexRecordSize = 8 + 4 + 4 + 4 + 8 // 28 bytes

// Sentinel errors shared across the package's control-flow boundaries.
var (
	ErrNotFound       = errors.New("core: not found")
	ErrTombstoned     = errors.New("core: tombstoned")
	ErrParse          = errors.New("core: parse failure")
	ErrUnresolvable   = errors.New("core: key unresolvable")
	ErrVerifyFailed   = errors.New("core: signature verification failed")
	ErrUnknownKeyType = errors.New("core: unknown key type")
	ErrCorrupt        = errors.New("core: corrupt data")
	ErrClosed         = errors.New("core: closed")
)

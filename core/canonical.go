package core

// canonical.go implements commit canonicalization: the deterministic,
// signature-independent byte sequence a commit object hashes to. A commit's
// signature covers this canonical form, never the map's original on-wire
// byte order, so verification has to reproduce it exactly.
//
// The rule (grounded in how every DAG-CBOR signer in this ecosystem treats
// "sig"): drop the sig entry, then re-emit the remaining entries ordered by
// key length first, then lexicographically within a length — which is
// exactly the order RFC 8949 canonical CBOR already mandates for map keys,
// so a correctly-authored commit is already in this order barring the sig
// entry itself. Each surviving entry is re-emitted using its ORIGINAL
// encoded bytes; this package never re-encodes values, so it is immune to
// the producer's choice of definite vs. indefinite lengths elsewhere in the
// object.

import (
	"encoding/binary"
	"sort"

	"lukechampine.com/blake3"

	"sovereign-archive/pkg/utils"
)

const sigFieldName = "sig"

// encodeCBORMapHeader returns the CBOR major-type-5 header for a
// definite-length map of count entries, mirroring the argument-size
// escalation cborHeader decodes (direct for <24, then 1/2/4/8-byte
// big-endian extensions).
func encodeCBORMapHeader(count int) []byte {
	arg := uint64(count)
	const major = byte(cborMajorMap) << 5
	switch {
	case arg < 24:
		return []byte{major | byte(arg)}
	case arg < 1<<8:
		return []byte{major | 24, byte(arg)}
	case arg < 1<<16:
		buf := make([]byte, 3)
		buf[0] = major | 25
		binary.BigEndian.PutUint16(buf[1:], uint16(arg))
		return buf
	case arg < 1<<32:
		buf := make([]byte, 5)
		buf[0] = major | 26
		binary.BigEndian.PutUint32(buf[1:], uint32(arg))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = major | 27
		binary.BigEndian.PutUint64(buf[1:], arg)
		return buf
	}
}

// CanonicalizeCommit strips the sig entry from a commit object's top-level
// CBOR map and re-emits the remaining entries in length-then-lexicographic
// key order, returning the exact bytes the signature is computed over.
// commitBlock is the raw CBOR map bytes (CommitBlock on Envelope); the
// returned slice is freshly allocated, since canonical order generally
// differs from wire order and can't be a borrowed view.
func CanonicalizeCommit(commitBlock []byte) ([]byte, error) {
	entries, err := cborDecodeMap(commitBlock)
	if err != nil {
		return nil, utils.Wrap(err, "canonicalize: decode commit map")
	}
	kept := entries[:0:0]
	for _, e := range entries {
		if e.Key == sigFieldName {
			continue
		}
		kept = append(kept, e)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if len(kept[i].Key) != len(kept[j].Key) {
			return len(kept[i].Key) < len(kept[j].Key)
		}
		return kept[i].Key < kept[j].Key
	})

	header := encodeCBORMapHeader(len(kept))
	size := len(header)
	for _, e := range kept {
		size += len(e.KeyRaw) + len(e.ValueRaw)
	}
	out := make([]byte, 0, size)
	out = append(out, header...)
	for _, e := range kept {
		out = append(out, e.KeyRaw...)
		out = append(out, e.ValueRaw...)
	}
	return out, nil
}

// HashCanonicalCommit streams a canonicalized commit through BLAKE3 without
// wrapping it in any framing, returning the 256-bit digest verification and
// archival both key off of.
func HashCanonicalCommit(canonical []byte) Hash {
	h := blake3.New(32, nil)
	h.Write(canonical)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// CanonicalCommitHash is the common-path helper: canonicalize then hash in
// one call.
func CanonicalCommitHash(commitBlock []byte) (Hash, error) {
	canon, err := CanonicalizeCommit(commitBlock)
	if err != nil {
		return Hash{}, err
	}
	return HashCanonicalCommit(canon), nil
}

// debugMaterializeCanonical re-decodes a canonical byte sequence (now a
// well-formed CBOR map, header included) back into its (key, value-bytes)
// pairs, for parity assertions in tests: re-running CanonicalizeCommit on
// its own output must be a fixed point.
func debugMaterializeCanonical(canonical []byte) ([]cborMapEntry, error) {
	return cborDecodeMap(canonical)
}

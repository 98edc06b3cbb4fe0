package core

import (
	"encoding/binary"
	"testing"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
)

// --- minimal CBOR item encoders, used only to build fixed wire frames for
// the parser tests below. ---

func cborHdr(major byte, arg uint64) []byte {
	switch {
	case arg < 24:
		return []byte{(major << 5) | byte(arg)}
	case arg < 256:
		return []byte{(major << 5) | 24, byte(arg)}
	case arg < 65536:
		buf := make([]byte, 3)
		buf[0] = (major << 5) | 25
		binary.BigEndian.PutUint16(buf[1:], uint16(arg))
		return buf
	default:
		buf := make([]byte, 5)
		buf[0] = (major << 5) | 26
		binary.BigEndian.PutUint32(buf[1:], uint32(arg))
		return buf
	}
}

func cborText(s string) []byte { return append(cborHdr(3, uint64(len(s))), s...) }
func cborByteStr(b []byte) []byte { return append(cborHdr(2, uint64(len(b))), b...) }
func cborArrayHdr(n int) []byte   { return cborHdr(4, uint64(n)) }
func cborMapHdr(n int) []byte     { return cborHdr(5, uint64(n)) }

// cborRawMap builds a definite-length CBOR map from text keys paired with
// already-encoded CBOR item values, in the given on-wire order.
func cborRawMap(pairs [][2]interface{}) []byte {
	out := append([]byte{}, cborMapHdr(len(pairs))...)
	for _, p := range pairs {
		out = append(out, cborText(p[0].(string))...)
		out = append(out, p[1].([]byte)...)
	}
	return out
}

// embedCIDItem returns the raw CBOR byte-string item carrying a CID with
// its multibase-identity sentinel prefix, the plain (non-tagged) embedding
// ParseEnvelope's fallback path tolerates.
func embedCIDItem(cidBytes []byte) []byte {
	return cborByteStr(append([]byte{cidSentinelByte}, cidBytes...))
}

func rawCID(t *testing.T, data []byte) []byte {
	t.Helper()
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		t.Fatalf("mh.Sum: %v", err)
	}
	c := cid.NewCidV1(cid.Raw, sum)
	return c.Bytes()
}

// blocksBagWith encodes a single-entry blocks_bag: a varint length prefix
// followed by the CID bytes immediately followed by the block's data bytes.
func blocksBagWith(cidBytes, data []byte) []byte {
	entry := append(append([]byte{}, cidBytes...), data...)
	out := varint.ToUvarint(uint64(len(entry)))
	return append(out, entry...)
}

// buildFrame assembles one complete envelope wire frame with a single
// top-level signature field and a single create op.
func buildFrame(t *testing.T, authorID string, seq uint64, opPath string) []byte {
	t.Helper()
	commitBlock := encodeCBORMap([][2]string{{"a", "commit-value"}})
	commitCID := rawCID(t, commitBlock)
	bag := blocksBagWith(commitCID, commitBlock)

	opCID := rawCID(t, []byte("record-content"))
	opItem := cborRawMap([][2]interface{}{
		{opFieldAction, cborText(opActionCreate)},
		{opFieldPath, cborText(opPath)},
		{opFieldCID, embedCIDItem(opCID)},
	})
	ops := append(cborArrayHdr(1), opItem...)

	sig := make([]byte, 64)
	for i := range sig {
		sig[i] = byte(i)
	}

	return cborRawMap([][2]interface{}{
		{fieldHeaderKind, cborText("commit")},
		{fieldAuthorID, cborText(authorID)},
		{fieldSequence, cborHdr(0, seq)},
		{fieldBlocksBag, cborByteStr(bag)},
		{fieldCommitCID, embedCIDItem(commitCID)},
		{fieldSig, cborByteStr(sig)},
		{fieldOps, ops},
	})
}

func TestParseEnvelopeWellFormedFrame(t *testing.T) {
	frame := buildFrame(t, "did:plc:alice", 42, "app.bsky.feed.post/abc123")
	env, err := ParseEnvelope(frame)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if string(env.AuthorID) != "did:plc:alice" {
		t.Fatalf("expected author preserved, got %q", env.AuthorID)
	}
	if env.Sequence != 42 {
		t.Fatalf("expected sequence 42, got %d", env.Sequence)
	}
	if len(env.Signature) != 64 {
		t.Fatalf("expected a 64-byte signature, got %d bytes", len(env.Signature))
	}
	if len(env.Ops) != 1 {
		t.Fatalf("expected exactly 1 op, got %d", len(env.Ops))
	}
	if env.Ops[0].Action != OpCreate {
		t.Fatalf("expected a create op, got %v", env.Ops[0].Action)
	}
	if string(env.Ops[0].Path) != "app.bsky.feed.post/abc123" {
		t.Fatalf("expected op path preserved, got %q", env.Ops[0].Path)
	}
	if env.CommitBlock == nil {
		t.Fatalf("expected the commit block to be located in the blocks bag")
	}
}

func TestParseEnvelopeSignatureFromCommitBlock(t *testing.T) {
	commitBlock := encodeCBORMap([][2]string{
		{"a", "commit-value"},
		{"sig", string(make([]byte, 64))},
	})
	commitCID := rawCID(t, commitBlock)
	bag := blocksBagWith(commitCID, commitBlock)

	frame := cborRawMap([][2]interface{}{
		{fieldHeaderKind, cborText("commit")},
		{fieldAuthorID, cborText("did:plc:bob")},
		{fieldSequence, cborHdr(0, 7)},
		{fieldBlocksBag, cborByteStr(bag)},
		{fieldCommitCID, embedCIDItem(commitCID)},
	})

	env, err := ParseEnvelope(frame)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if len(env.Signature) != 64 {
		t.Fatalf("expected the signature recovered from the commit block, got %d bytes", len(env.Signature))
	}
}

func TestParseEnvelopeRejectsMissingRequiredField(t *testing.T) {
	commitBlock := encodeCBORMap([][2]string{{"a", "v"}})
	commitCID := rawCID(t, commitBlock)
	bag := blocksBagWith(commitCID, commitBlock)

	// omit author entirely
	frame := cborRawMap([][2]interface{}{
		{fieldHeaderKind, cborText("commit")},
		{fieldSequence, cborHdr(0, 1)},
		{fieldBlocksBag, cborByteStr(bag)},
		{fieldCommitCID, embedCIDItem(commitCID)},
		{fieldSig, cborByteStr(make([]byte, 64))},
	})

	if _, err := ParseEnvelope(frame); err != ErrParse {
		t.Fatalf("expected ErrParse for a missing author field, got %v", err)
	}
}

func TestParseEnvelopeRejectsCommitCIDNotInBag(t *testing.T) {
	commitBlock := encodeCBORMap([][2]string{{"a", "v"}})
	commitCID := rawCID(t, commitBlock)
	bag := blocksBagWith(commitCID, commitBlock)

	unrelatedCID := rawCID(t, []byte("not in bag at all"))
	frame := cborRawMap([][2]interface{}{
		{fieldHeaderKind, cborText("commit")},
		{fieldAuthorID, cborText("did:plc:carol")},
		{fieldSequence, cborHdr(0, 1)},
		{fieldBlocksBag, cborByteStr(bag)},
		{fieldCommitCID, embedCIDItem(unrelatedCID)},
		{fieldSig, cborByteStr(make([]byte, 64))},
	})

	if _, err := ParseEnvelope(frame); err != ErrParse {
		t.Fatalf("expected ErrParse when the commit CID has no matching bag entry, got %v", err)
	}
}

func TestParseEnvelopeRejectsTruncatedFrame(t *testing.T) {
	frame := buildFrame(t, "did:plc:dave", 1, "app.bsky.feed.post/x")
	if _, err := ParseEnvelope(frame[:len(frame)-5]); err != ErrParse {
		t.Fatalf("expected ErrParse for a truncated frame, got %v", err)
	}
}

func TestParseEnvelopeDeleteOp(t *testing.T) {
	commitBlock := encodeCBORMap([][2]string{{"a", "v"}})
	commitCID := rawCID(t, commitBlock)
	bag := blocksBagWith(commitCID, commitBlock)

	opItem := cborRawMap([][2]interface{}{
		{opFieldAction, cborText(opActionDelete)},
		{opFieldPath, cborText("app.bsky.feed.post/gone")},
	})
	ops := append(cborArrayHdr(1), opItem...)

	frame := cborRawMap([][2]interface{}{
		{fieldHeaderKind, cborText("commit")},
		{fieldAuthorID, cborText("did:plc:erin")},
		{fieldSequence, cborHdr(0, 5)},
		{fieldBlocksBag, cborByteStr(bag)},
		{fieldCommitCID, embedCIDItem(commitCID)},
		{fieldSig, cborByteStr(make([]byte, 64))},
		{fieldOps, ops},
	})

	env, err := ParseEnvelope(frame)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if len(env.Ops) != 1 || env.Ops[0].Action != OpDelete {
		t.Fatalf("expected a single delete op, got %+v", env.Ops)
	}
}

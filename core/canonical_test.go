package core

import "testing"

// encodeCBORTextKey returns the short-form CBOR encoding of a text string
// under 24 bytes, used only to build small fixed commit maps for tests.
func encodeCBORTextKey(s string) []byte {
	out := make([]byte, 0, len(s)+1)
	out = append(out, 0x60|byte(len(s)))
	return append(out, s...)
}

func encodeCBORBytesVal(b []byte) []byte {
	return append(cborHdr(2, uint64(len(b))), b...)
}

// encodeCBORMap builds a definite-length CBOR map (at most 23 entries, text
// keys, byte-string values) from pairs in the given on-wire order.
func encodeCBORMap(pairs [][2]string) []byte {
	out := []byte{0xA0 | byte(len(pairs))}
	for _, p := range pairs {
		out = append(out, encodeCBORTextKey(p[0])...)
		out = append(out, encodeCBORBytesVal([]byte(p[1]))...)
	}
	return out
}

// P11: the canonical byte stream for a commit with keys {a, bb, c, sig}
// equals re-emitting {a, c, bb} in that order (length-then-lex) with the
// original value bytes, and hashing that stream matches hashing a
// pre-built buffer independently.
func TestCanonicalizeCommitOrdersByLengthThenLex(t *testing.T) {
	commit := encodeCBORMap([][2]string{
		{"a", "va"},
		{"bb", "vbb"},
		{"c", "vc"},
		{"sig", "should-not-appear"},
	})

	got, err := CanonicalizeCommit(commit)
	if err != nil {
		t.Fatalf("CanonicalizeCommit: %v", err)
	}

	want := []byte{0xA0 | 3} // re-emitted map header sized to the 3 surviving entries
	want = append(want, encodeCBORTextKey("a")...)
	want = append(want, encodeCBORBytesVal([]byte("va"))...)
	want = append(want, encodeCBORTextKey("c")...)
	want = append(want, encodeCBORBytesVal([]byte("vc"))...)
	want = append(want, encodeCBORTextKey("bb")...)
	want = append(want, encodeCBORBytesVal([]byte("vbb"))...)

	if string(got) != string(want) {
		t.Fatalf("canonical order mismatch:\n got: %x\nwant: %x", got, want)
	}
}

func TestCanonicalizeCommitDropsSig(t *testing.T) {
	commit := encodeCBORMap([][2]string{
		{"a", "va"},
		{"sig", "signature-bytes"},
	})
	got, err := CanonicalizeCommit(commit)
	if err != nil {
		t.Fatalf("CanonicalizeCommit: %v", err)
	}
	want := append([]byte{0xA0 | 1}, encodeCBORTextKey("a")...)
	want = append(want, encodeCBORBytesVal([]byte("va"))...)
	if string(got) != string(want) {
		t.Fatalf("expected sig entry dropped and header resized to 1, got %x", got)
	}
}

func TestCanonicalizeCommitIsFixedPoint(t *testing.T) {
	commit := encodeCBORMap([][2]string{
		{"a", "va"},
		{"bb", "vbb"},
		{"c", "vc"},
	})
	canon, err := CanonicalizeCommit(commit)
	if err != nil {
		t.Fatalf("first canonicalize: %v", err)
	}
	entries, err := debugMaterializeCanonical(canon)
	if err != nil {
		t.Fatalf("debugMaterializeCanonical: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	order := []string{entries[0].Key, entries[1].Key, entries[2].Key}
	want := []string{"a", "c", "bb"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected fixed-point order %v, got %v", want, order)
		}
	}
	again, err := CanonicalizeCommit(canon)
	if err != nil {
		t.Fatalf("second canonicalize: %v", err)
	}
	if string(again) != string(canon) {
		t.Fatalf("expected canonical form to be a fixed point, got %x vs %x", again, canon)
	}
}

func TestHashCanonicalCommitMatchesIndependentBuffer(t *testing.T) {
	commit := encodeCBORMap([][2]string{
		{"a", "va"},
		{"bb", "vbb"},
		{"c", "vc"},
	})
	canon, err := CanonicalizeCommit(commit)
	if err != nil {
		t.Fatalf("CanonicalizeCommit: %v", err)
	}
	h1 := HashCanonicalCommit(canon)

	// Build the same byte stream independently, not through CanonicalizeCommit.
	rebuilt := []byte{0xA0 | 3}
	rebuilt = append(rebuilt, encodeCBORTextKey("a")...)
	rebuilt = append(rebuilt, encodeCBORBytesVal([]byte("va"))...)
	rebuilt = append(rebuilt, encodeCBORTextKey("c")...)
	rebuilt = append(rebuilt, encodeCBORBytesVal([]byte("vc"))...)
	rebuilt = append(rebuilt, encodeCBORTextKey("bb")...)
	rebuilt = append(rebuilt, encodeCBORBytesVal([]byte("vbb"))...)
	h2 := HashCanonicalCommit(rebuilt)

	if h1 != h2 {
		t.Fatalf("hash of canonical form and independently rebuilt buffer differ")
	}
}

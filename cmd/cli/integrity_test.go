package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSegmentStartsParsesAndSortsIndexFilenames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shard-3")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	names := []string{"s3_200.idx", "s3_100.idx", "s3_300.idx", "s3_100.bin", "unrelated.txt"}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}

	starts, err := segmentStarts(filepath.Dir(dir), 3)
	if err != nil {
		t.Fatalf("segmentStarts: %v", err)
	}
	want := []uint64{100, 200, 300}
	if len(starts) != len(want) {
		t.Fatalf("expected %v, got %v", want, starts)
	}
	for i := range want {
		if starts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, starts)
		}
	}
}

func TestSegmentStartsMissingShardDirReturnsEmpty(t *testing.T) {
	starts, err := segmentStarts(t.TempDir(), 9)
	if err != nil {
		t.Fatalf("expected no error for a missing shard dir, got %v", err)
	}
	if len(starts) != 0 {
		t.Fatalf("expected no segments, got %v", starts)
	}
}

func TestIntegritySegmentRePattern(t *testing.T) {
	cases := []struct {
		name    string
		matches bool
	}{
		{"s0_0.idx", true},
		{"s12_4096.idx", true},
		{"s0_0.bin", false},
		{"s0_abc.idx", false},
		{"random.idx", false},
	}
	for _, c := range cases {
		if got := integritySegmentRe.MatchString(c.name); got != c.matches {
			t.Fatalf("%s: expected match=%v, got %v", c.name, c.matches, got)
		}
	}
}

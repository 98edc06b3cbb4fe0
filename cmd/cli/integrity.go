package cli

// integrity.go implements the supplemented `integrity` command: walk every
// segment in an archive shard, recompute its Merkle root from its
// decompressed payloads and compare against the stored root, the same
// per-segment check the research integrity verifier ran over a handful of
// sequences by hand.

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"sovereign-archive/core"
)

var integritySegmentRe = regexp.MustCompile(`^s(\d+)_(\d+)\.idx$`)

func integrityRun(cmd *cobra.Command, args []string) error {
	archiveDir, shardStr := args[0], args[1]
	shardID, err := strconv.Atoi(shardStr)
	if err != nil {
		return Misconfig(fmt.Errorf("integrity: bad shard id %q: %w", shardStr, err))
	}

	dictPath, _ := cmd.Flags().GetString("dict")
	var dict []byte
	if dictPath != "" {
		dict, err = os.ReadFile(dictPath)
		if err != nil {
			return IOFailure(fmt.Errorf("integrity: read dictionary: %w", err))
		}
	}
	compr, err := core.NewCompressor(dict)
	if err != nil {
		return Misconfig(fmt.Errorf("integrity: build compressor: %w", err))
	}
	defer compr.Close()

	reader, err := core.OpenSegmentReader(archiveDir, compr)
	if err != nil {
		return IOFailure(fmt.Errorf("integrity: open archive: %w", err))
	}
	defer reader.Close()

	starts, err := segmentStarts(archiveDir, shardID)
	if err != nil {
		return IOFailure(fmt.Errorf("integrity: list segments: %w", err))
	}

	ok, bad := 0, 0
	for _, start := range starts {
		valid, err := reader.IntegrityCheck(shardID, start)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "shard=%d start=%d ERROR %v\n", shardID, start, err)
			bad++
			continue
		}
		if valid {
			ok++
		} else {
			bad++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "shard=%d start=%d root_ok=%t\n", shardID, start, valid)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nsegments=%d ok=%d bad=%d\n", ok+bad, ok, bad)
	if bad > 0 {
		return IOFailure(fmt.Errorf("integrity: %d segment(s) failed verification", bad))
	}
	return nil
}

// segmentStarts lists the start_seq of every segment belonging to shardID,
// sorted ascending, by matching index filenames directly rather than
// through the reader (which keeps only in-memory segment handles).
func segmentStarts(archiveDir string, shardID int) ([]uint64, error) {
	dir := filepath.Join(archiveDir, fmt.Sprintf("shard-%d", shardID))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var starts []uint64
	for _, e := range entries {
		m := integritySegmentRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		start, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			continue
		}
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

var integrityCmd = &cobra.Command{
	Use:   "integrity <archive-dir> <shard>",
	Short: "Recompute and verify the Merkle root of every segment in a shard",
	Args:  cobra.ExactArgs(2),
	RunE:  integrityRun,
}

func init() {
	integrityCmd.Flags().String("dict", "", "path to the shared compression dictionary")
}

var IntegrityCmd = integrityCmd

package cli

// ingester.go implements the `ingester` command: the same run loop as
// `siege`, restricted to producer endpoints meeting a minimum health grade
// from a mesh-crawler-style grading file, mirroring the original direct-PDS
// siege tool's --mesh/--min-grade relationship to the unfiltered ingester.

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

// meshReport is one endpoint's graded health record, as produced by the
// mesh-grading crawl (discover itself writes no grades): {"url": "...", "grade": "A".."F"}.
type meshReport struct {
	URL   string `json:"url"`
	Grade string `json:"grade"`
}

var gradeRank = map[string]int{"A": 0, "B": 1, "C": 2, "D": 3, "F": 4}

func ingesterRun(cmd *cobra.Command, args []string) error {
	meshPath := args[0]
	registryPath := args[1]
	archiveDir := args[2]

	minGrade, _ := cmd.Flags().GetString("min-grade")
	minRank, ok := gradeRank[minGrade]
	if !ok {
		return Misconfig(fmt.Errorf("ingester: unknown grade %q", minGrade))
	}

	allowed, err := loadMeshAllowlist(meshPath, minRank)
	if err != nil {
		return IOFailure(fmt.Errorf("ingester: read mesh grading file: %w", err))
	}

	opts := siegeOptions{
		RegistryPath:     registryPath,
		ArchiveDir:       archiveDir,
		CachePath:        mustFlagString(cmd, "cache"),
		TombstonePath:    mustFlagString(cmd, "tombstones"),
		BlacklistPath:    mustFlagString(cmd, "blacklist"),
		ResumeCursorPath: mustFlagString(cmd, "resume-cursors"),
		DictPath:         mustFlagString(cmd, "dict"),
		DirectoryBase:    mustFlagString(cmd, "directory-base"),
		ShardCount:       mustFlagInt(cmd, "shards"),
		CacheSlots:       uint64(mustFlagInt(cmd, "cache-slots")),
		FlushThreshold:   mustFlagInt(cmd, "flush-threshold"),
		LowLatency:       mustFlagBool(cmd, "low-latency"),
		MaxConns:         mustFlagInt(cmd, "max-conns"),
		MetricsAddr:      mustFlagString(cmd, "metrics-addr"),
		allowedURLs:      allowed,
	}

	fmt.Fprintf(cmd.OutOrStdout(), "ingester: %d endpoints at grade %s or better\n", len(allowed), minGrade)
	return runSiege(cmd, opts)
}

// loadMeshAllowlist reads a mesh-grading JSON array and returns the set of
// URLs graded minRank or better.
func loadMeshAllowlist(path string, minRank int) (map[string]struct{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reports []meshReport
	if err := json.Unmarshal(raw, &reports); err != nil {
		return nil, err
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].URL < reports[j].URL })

	allowed := make(map[string]struct{})
	for _, r := range reports {
		rank, ok := gradeRank[r.Grade]
		if !ok {
			continue
		}
		if rank <= minRank {
			allowed[r.URL] = struct{}{}
		}
	}
	return allowed, nil
}

var ingesterCmd = &cobra.Command{
	Use:   "ingester <mesh-grading-file> <registry-file> <archive-dir>",
	Short: "Run the siege ingestion loop restricted to a minimum endpoint health grade",
	Args:  cobra.ExactArgs(3),
	RunE:  ingesterRun,
}

func init() {
	addSiegeFlags(ingesterCmd)
	ingesterCmd.Flags().String("min-grade", "A", "minimum mesh health grade to include (A-F)")
}

var IngesterCmd = ingesterCmd

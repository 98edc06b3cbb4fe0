package cli

// siege.go implements the `siege` command: connect to every endpoint in a
// producer registry, run the full parse/resolve/verify/dedup/archive
// pipeline over everything they forward, and keep running until
// interrupted. `ingester` (ingester.go) is the same run loop behind an
// optional mesh-grading filter, matching the original direct-PDS-siege
// tool's relationship to the plain ingester.

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sovereign-archive/core"
)

// siegeOptions bundles the file paths and tunables both siege and ingester
// need to assemble the ingestion pipeline.
type siegeOptions struct {
	RegistryPath     string
	ArchiveDir       string
	CachePath        string
	TombstonePath    string
	BlacklistPath    string
	ResumeCursorPath string
	DictPath         string
	DirectoryBase    string
	ShardCount       int
	CacheSlots       uint64
	FlushThreshold   int
	LowLatency       bool
	MaxConns         int
	MetricsAddr      string

	// allowedURLs, when non-nil, restricts fanout to registry entries whose
	// URL is a member — the ingester's grading filter. nil means no filter.
	allowedURLs map[string]struct{}
}

func siegeRun(cmd *cobra.Command, args []string) error {
	opts := siegeOptions{
		RegistryPath:     args[0],
		ArchiveDir:       args[1],
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
	}
	return runSiege(cmd, opts)
}

func mustFlagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
func mustFlagInt(cmd *cobra.Command, name string) int {
	v, _ := cmd.Flags().GetInt(name)
	return v
}
func mustFlagBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

// runSiege assembles every pipeline component from opts, runs the fanout
// pool and ingest workers until SIGINT/SIGTERM, then performs the ordered
// shutdown the concurrency model calls for: stop accepting new frames,
// flush every shard, persist resume cursors, exit.
func runSiege(cmd *cobra.Command, opts siegeOptions) error {
	applyConfigDefaults(cmd, &opts)

	var dict []byte
	if opts.DictPath != "" {
		var err error
		dict, err = os.ReadFile(opts.DictPath)
		if err != nil {
			return IOFailure(fmt.Errorf("siege: read dictionary: %w", err))
		}
	}
	compr, err := core.NewCompressor(dict)
	if err != nil {
		return Misconfig(fmt.Errorf("siege: build compressor: %w", err))
	}
	defer compr.Close()

	identity, err := core.OpenIdentityCache(opts.CachePath, opts.CacheSlots)
	if err != nil {
		return IOFailure(fmt.Errorf("siege: open identity cache: %w", err))
	}
	defer identity.Close()

	threshold := opts.FlushThreshold
	if opts.LowLatency {
		threshold = core.LowLatencyFlushThreshold
	}
	archive, err := core.NewShardedArchiveWriter(opts.ArchiveDir, opts.ShardCount, threshold, compr)
	if err != nil {
		return IOFailure(fmt.Errorf("siege: open archive: %w", err))
	}
	defer archive.Close()

	reader, err := core.OpenSegmentReader(opts.ArchiveDir, compr)
	if err != nil {
		return IOFailure(fmt.Errorf("siege: open segment reader: %w", err))
	}
	defer reader.Close()

	tombstones, err := core.OpenTombstoneStore(opts.TombstonePath, core.DefaultTombstoneMaxSeq)
	if err != nil {
		return IOFailure(fmt.Errorf("siege: open tombstones: %w", err))
	}
	defer tombstones.Close()

	blacklist, err := core.OpenTombstoneStore(opts.BlacklistPath, core.DefaultTombstoneMaxSeq)
	if err != nil {
		return IOFailure(fmt.Errorf("siege: open blacklist: %w", err))
	}
	defer blacklist.Close()

	registry, err := core.OpenProducerRegistry(opts.RegistryPath)
	if err != nil {
		return IOFailure(fmt.Errorf("siege: open registry: %w", err))
	}
	defer registry.Close()

	if opts.allowedURLs != nil {
		applyGradeFilter(registry, blacklist, opts.allowedURLs)
	}

	cursors, err := core.OpenResumeCursorStore(opts.ResumeCursorPath)
	if err != nil {
		return IOFailure(fmt.Errorf("siege: open resume cursors: %w", err))
	}

	metrics := core.NewMetrics()
	var metricsSrv *http.Server
	if opts.MetricsAddr != "" {
		metricsSrv = metrics.StartServer(opts.MetricsAddr)
	}

	resolver := core.NewKeyResolver(core.NewHTTPDirectoryClient(opts.DirectoryBase, 5*time.Second))
	verifier := core.NewVerifier()
	dedup := core.NewDedupWindow()
	ingestor := core.NewIngestor(opts.ShardCount, identity, resolver, verifier, dedup, archive, reader, tombstones, metrics)

	frames := make(chan core.RawFrame, 4096)
	fanoutCfg := core.DefaultFanoutConfig()
	fanoutCfg.MaxConns = opts.MaxConns
	pool := core.NewFanoutPool(fanoutCfg, registry, blacklist, cursors, frames)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pool.Run(ctx)

	workers := 4
	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case frame, open := <-frames:
					if !open {
						done <- struct{}{}
						return
					}
					_, seq, parsed := ingestor.Ingest(ctx, frame.Data)
					if parsed {
						if rec, err := registry.Get(frame.EndpointIndex); err == nil {
							cursors.Set(rec.URL, seq)
						}
					}
				case <-ctx.Done():
					done <- struct{}{}
					return
				}
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "siege: running against %d registered endpoints\n", registry.Count())
	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "siege: shutdown signal received, flushing archive")

	for i := 0; i < workers; i++ {
		<-done
	}
	archive.Flush()
	if err := cursors.Save(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "siege: save resume cursors: %v\n", err)
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metrics.Shutdown(shutdownCtx, metricsSrv)
	}
	return nil
}

// applyGradeFilter blacklists every registry entry whose URL is not in
// allowed, so the fanout pool's normal scan loop simply never spawns a
// worker for it — no change to FanoutPool itself is needed.
func applyGradeFilter(registry *core.ProducerRegistry, blacklist *core.TombstoneStore, allowed map[string]struct{}) {
	for i, rec := range registry.All() {
		if rec.URL == "" {
			continue
		}
		if _, ok := allowed[rec.URL]; !ok {
			blacklist.Mark(uint64(i))
		}
	}
}

var siegeCmd = &cobra.Command{
	Use:   "siege <registry-file> <archive-dir>",
	Short: "Connect to every registered producer and ingest into the archive",
	Args:  cobra.ExactArgs(2),
	RunE:  siegeRun,
}

func init() {
	addSiegeFlags(siegeCmd)
}

func addSiegeFlags(cmd *cobra.Command) {
	cmd.Flags().String("cache", "identity_cache.bin", "identity cache file path")
	cmd.Flags().String("tombstones", "tombstones.bin", "tombstone bitset file path")
	cmd.Flags().String("blacklist", "blacklist.bin", "permanent endpoint blacklist file path")
	cmd.Flags().String("resume-cursors", "resume_cursors.json", "resume cursor file path")
	cmd.Flags().String("dict", "", "shared compression dictionary path")
	cmd.Flags().String("directory-base", "https://plc.directory", "key directory base URL")
	cmd.Flags().Int("shards", 16, "number of archive shards")
	cmd.Flags().Int("cache-slots", 150_000_000, "identity cache slot count")
	cmd.Flags().Int("flush-threshold", core.LowLatencyFlushThreshold*100, "messages buffered per shard before a flush")
	cmd.Flags().Bool("low-latency", false, "flush shards every 500 messages instead of the default threshold")
	cmd.Flags().Int("max-conns", 256, "maximum concurrent producer connections")
	cmd.Flags().String("metrics-addr", "", "address to serve Prometheus metrics on, empty disables")
}

var SiegeCmd = siegeCmd

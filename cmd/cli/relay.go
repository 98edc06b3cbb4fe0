package cli

// relay.go implements the `relay` command: serve the archive to subscriber
// websocket connections on a fixed port, wiring core.RelayServer over a
// read-only segment reader and the shared tombstone store.

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

func relayRun(cmd *cobra.Command, args []string) error {
	archiveDir, addr := args[0], args[1]
	cfg := loadConfig()

	dictPath, _ := cmd.Flags().GetString("dict")
	var dict []byte
	if dictPath != "" {
		var err error
		dict, err = os.ReadFile(dictPath)
		if err != nil {
			return IOFailure(fmt.Errorf("relay: read dictionary: %w", err))
		}
	}
	compr, err := core.NewCompressor(dict)
	if err != nil {
		return Misconfig(fmt.Errorf("relay: build compressor: %w", err))
	}
	defer compr.Close()

	reader, err := core.OpenSegmentReader(archiveDir, compr)
	if err != nil {
		return IOFailure(fmt.Errorf("relay: open archive: %w", err))
	}
	defer reader.Close()

	tombstonePath, _ := cmd.Flags().GetString("tombstones")
	if !cmd.Flags().Changed("tombstones") && cfg.Archive.TombstonePath != "" {
		tombstonePath = cfg.Archive.TombstonePath
	}
	tombstones, err := core.OpenTombstoneStore(tombstonePath, core.DefaultTombstoneMaxSeq)
	if err != nil {
		return IOFailure(fmt.Errorf("relay: open tombstones: %w", err))
	}
	defer tombstones.Close()

	shardCount, _ := cmd.Flags().GetInt("shards")
	if !cmd.Flags().Changed("shards") && cfg.Archive.ShardCount != 0 {
		shardCount = cfg.Archive.ShardCount
	}
	tailOnly, _ := cmd.Flags().GetBool("tail-only")
	if !cmd.Flags().Changed("tail-only") {
		tailOnly = tailOnly || cfg.Relay.TailOnly
	}

	relayCfg := core.DefaultRelayConfig(shardCount)
	relayCfg.TailOnly = tailOnly
	if cfg.Relay.RetryMS != 0 {
		relayCfg.RetryDelay = time.Duration(cfg.Relay.RetryMS) * time.Millisecond
	}

	srv := core.NewRelayServer(relayCfg, reader, tombstones, compr, reader.Tip)

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "relay: serving %s from %s\n", addr, archiveDir)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return IOFailure(httpSrv.Shutdown(shutdownCtx))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return IOFailure(fmt.Errorf("relay: server exited: %w", err))
		}
		return nil
	}
}

var relayCmd = &cobra.Command{
	Use:   "relay <archive-dir> <listen-addr>",
	Short: "Serve the archive to subscribers over websocket",
	Args:  cobra.ExactArgs(2),
	RunE:  relayRun,
}

func init() {
	relayCmd.Flags().String("dict", "", "shared compression dictionary path")
	relayCmd.Flags().String("tombstones", "tombstones.bin", "tombstone bitset file path")
	relayCmd.Flags().Int("shards", 16, "number of archive shards")
	relayCmd.Flags().Bool("tail-only", false, "default a missing cursor to the archive tip instead of its minimum sequence")
}

var RelayCmd = relayCmd

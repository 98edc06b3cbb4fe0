package cli

// common.go holds the small pieces shared by every command group: the exit
// code contract (0 clean, 1 fatal misconfiguration, 2 unrecoverable I/O) and
// the config loader the siege/ingester and relay commands use to find their
// defaults.

import (
	"errors"

	"github.com/spf13/cobra"

	"sovereign-archive/pkg/config"
)

// ExitCode classifies a command failure so main can choose os.Exit's
// argument without every RunE having to know about os.Exit itself.
type ExitCode int

const (
	ExitClean        ExitCode = 0
	ExitMisconfig    ExitCode = 1
	ExitUnrecoverable ExitCode = 2
)

// CLIError pairs an error with the exit code it should produce.
type CLIError struct {
	Code ExitCode
	Err  error
}

func (e *CLIError) Error() string { return e.Err.Error() }
func (e *CLIError) Unwrap() error { return e.Err }

// Misconfig wraps err as a fatal-misconfiguration failure (exit code 1).
func Misconfig(err error) error {
	if err == nil {
		return nil
	}
	return &CLIError{Code: ExitMisconfig, Err: err}
}

// IOFailure wraps err as an unrecoverable I/O failure (exit code 2).
func IOFailure(err error) error {
	if err == nil {
		return nil
	}
	return &CLIError{Code: ExitUnrecoverable, Err: err}
}

// CodeOf extracts the exit code an error should produce, defaulting to
// ExitMisconfig for any error not explicitly classified (cobra itself
// already only calls this path on a non-nil error).
func CodeOf(err error) ExitCode {
	if err == nil {
		return ExitClean
	}
	var ce *CLIError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ExitMisconfig
}

// loadConfig loads the process configuration, tolerating a missing config
// file (every flag the CLI cares about has a hardcoded fallback already).
func loadConfig() *config.Config {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return &config.Config{}
	}
	return cfg
}

// applyConfigDefaults overlays values from a YAML/env config file onto opts
// for any flag the caller left at its command-line default, matching the
// config-then-flags precedence other server binaries in this stack apply at
// startup. A flag the caller actually passed always wins.
func applyConfigDefaults(cmd *cobra.Command, opts *siegeOptions) {
	cfg := loadConfig()
	if !cmd.Flags().Changed("directory-base") && cfg.Identity.DirectoryBase != "" {
		opts.DirectoryBase = cfg.Identity.DirectoryBase
	}
	if !cmd.Flags().Changed("shards") && cfg.Archive.ShardCount != 0 {
		opts.ShardCount = cfg.Archive.ShardCount
	}
	if !cmd.Flags().Changed("cache-slots") && cfg.Identity.Slots != 0 {
		opts.CacheSlots = cfg.Identity.Slots
	}
	if !cmd.Flags().Changed("flush-threshold") && cfg.Archive.FlushThreshold != 0 {
		opts.FlushThreshold = cfg.Archive.FlushThreshold
	}
	if !cmd.Flags().Changed("metrics-addr") && cfg.Metrics.ListenAddr != "" {
		opts.MetricsAddr = cfg.Metrics.ListenAddr
	}
	if !cmd.Flags().Changed("dict") && cfg.Archive.DictionaryPath != "" {
		opts.DictPath = cfg.Archive.DictionaryPath
	}
	if !cmd.Flags().Changed("tombstones") && cfg.Archive.TombstonePath != "" {
		opts.TombstonePath = cfg.Archive.TombstonePath
	}
	if !cmd.Flags().Changed("resume-cursors") && cfg.Archive.ResumeCursorPath != "" {
		opts.ResumeCursorPath = cfg.Archive.ResumeCursorPath
	}
}

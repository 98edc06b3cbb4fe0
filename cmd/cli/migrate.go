package cli

// migrate.go implements the `migrate` command: a one-time conversion of a
// plain newline-delimited producer URL list into the binary mmap producer
// registry, tolerating blank lines and `#`-comments the way the original
// PLC-dump downloader tolerates them when resuming a partial file.

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sovereign-archive/core"
)

func migrateRun(cmd *cobra.Command, args []string) error {
	textPath, registryPath := args[0], args[1]

	f, err := os.Open(textPath)
	if err != nil {
		return IOFailure(fmt.Errorf("migrate: open %s: %w", textPath, err))
	}
	defer f.Close()

	reg, err := core.OpenProducerRegistry(registryPath)
	if err != nil {
		return IOFailure(fmt.Errorf("migrate: open registry: %w", err))
	}
	defer reg.Close()

	converted := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := reg.Append(line); err != nil {
			return IOFailure(fmt.Errorf("migrate: append %s: %w", line, err))
		}
		converted++
	}
	if err := scanner.Err(); err != nil {
		return IOFailure(fmt.Errorf("migrate: scan %s: %w", textPath, err))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "migrate: converted %d endpoints into %s\n", converted, registryPath)
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <text-list> <registry-file>",
	Short: "Convert a plain-text producer URL list into a binary registry",
	Args:  cobra.ExactArgs(2),
	RunE:  migrateRun,
}

var MigrateCmd = migrateCmd

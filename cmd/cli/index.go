package cli

import "github.com/spf13/cobra"

// RegisterRoutes attaches every command group defined in the cli package to
// the provided root command, making them available as `sovereign-archive
// <command>` from the main binary.
func RegisterRoutes(root *cobra.Command) {
	root.AddCommand(
		DiscoverCmd,
		SiegeCmd,
		MigrateCmd,
		InspectCmd,
		RelayCmd,
		IngesterCmd,
		IntegrityCmd,
	)
}

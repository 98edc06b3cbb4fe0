package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sovereign-archive/cmd/cli"
	"sovereign-archive/core"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sovereign-archive",
		Short: "Sovereign AT-Protocol firehose aggregator and archive engine",
	}

	verbose := rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if *verbose {
			core.SetLogLevel(logrus.DebugLevel)
		}
		return nil
	}

	cli.RegisterRoutes(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(cli.CodeOf(err)))
	}
}

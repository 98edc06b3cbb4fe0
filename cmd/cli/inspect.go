package cli

// inspect.go implements the `inspect` command: a read-only walk of a binary
// producer registry printing per-endpoint failure/backoff state, in the
// grading-report shape the mesh crawler produced for its health map.

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sovereign-archive/core"
)

func inspectRun(cmd *cobra.Command, args []string) error {
	registryPath := args[0]

	reg, err := core.OpenProducerRegistry(registryPath)
	if err != nil {
		return IOFailure(fmt.Errorf("inspect: open registry: %w", err))
	}
	defer reg.Close()

	records := reg.All()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "index\turl\tfailures\tlast_success\tlast_attempt\tpenalty_until\tstatus")
	now := time.Now()
	healthy, penalized, dead := 0, 0, 0
	for i, rec := range records {
		if rec.URL == "" {
			continue
		}
		status := "healthy"
		switch {
		case rec.PenaltyUntil.After(now):
			status = "penalized"
			penalized++
		case rec.FailureCount > 0 && rec.LastSuccess.IsZero():
			status = "unreachable"
			dead++
		default:
			healthy++
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			i, rec.URL, rec.FailureCount,
			formatTime(rec.LastSuccess), formatTime(rec.LastAttempt), formatTime(rec.PenaltyUntil),
			status)
	}
	w.Flush()

	fmt.Fprintf(cmd.OutOrStdout(), "\ntotal=%d healthy=%d penalized=%d unreachable=%d\n",
		reg.Count(), healthy, penalized, dead)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <registry-file>",
	Short: "Print per-endpoint failure and backoff state from a producer registry",
	Args:  cobra.ExactArgs(1),
	RunE:  inspectRun,
}

var InspectCmd = inspectCmd

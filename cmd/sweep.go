package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile pending spot requests once",
	Long: `Run one reconciliation pass over every open request marker.

Active requests are promoted to successful. Requests still open are given
up after sweep.max_checks passes. Requests that failed, closed or were
cancelled are marked failed and replaced, once per request.
`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	orch, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer closeOrchestrator(orch, log)

	fmt.Fprintf(os.Stderr, "\n🧹 Sweeping open requests\n\n")

	result, err := orch.Sweeper.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "   Checked:     %d\n", result.Checked)
	fmt.Fprintf(os.Stderr, "   Promoted:    %d\n", result.Promoted)
	fmt.Fprintf(os.Stderr, "   Still open:  %d\n", result.Incremented)
	fmt.Fprintf(os.Stderr, "   Failed:      %d\n", result.Failed)
	if result.Skipped > 0 {
		fmt.Fprintf(os.Stderr, "   Unreadable:  %d\n", result.Skipped)
	}
	if result.ReplacementsNeeded > 0 {
		fmt.Fprintf(os.Stderr, "\n🔁 Replacing %d units\n", result.ReplacementsNeeded)
		printOutcome(result.Launch)
		if result.LaunchErr != nil {
			fmt.Fprintf(os.Stderr, "\n⚠️  Replacement incomplete: %v\n", result.LaunchErr)
		}
	}
	return nil
}

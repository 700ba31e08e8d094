package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/scttfrdmn/spotkeeper/pkg/refresh"
	"github.com/spf13/cobra"
)

var refreshFanOut bool

var refreshCmd = &cobra.Command{
	Use:   "refresh [prices|placement|interruption|all]",
	Short: "Refresh the price and score tables",
	Long: `Refresh the DynamoDB tables that drive region and zone choice.

Run a job here, or with --fan-out invoke the configured refresh functions
in parallel and report each one.

Examples:
  spotkeeper refresh prices
  spotkeeper refresh all
  spotkeeper refresh --fan-out
`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{refresh.JobPrices, refresh.JobPlacement, refresh.JobInterruption, "all"},
	RunE:      runRefresh,
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshFanOut, "fan-out", false, "Invoke the refresh functions instead of running locally")

	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	orch, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer closeOrchestrator(orch, log)

	if refreshFanOut {
		fmt.Fprintf(os.Stderr, "\n📡 Invoking %d refresh functions\n\n", len(orch.Config().Refresh.Functions))
		results := orch.FanOutRefresh(ctx)
		for _, r := range results {
			if r.Err != nil {
				fmt.Fprintf(os.Stderr, "   ❌ %s: %v\n", r.Function, r.Err)
			} else {
				fmt.Fprintf(os.Stderr, "   ✅ %s\n", r.Function)
			}
		}
		if failed := refresh.Failed(results); len(failed) > 0 {
			return fmt.Errorf("%d of %d refresh functions failed", len(failed), len(results))
		}
		return nil
	}

	jobs := []string{refresh.JobPrices, refresh.JobPlacement, refresh.JobInterruption}
	if len(args) == 1 && args[0] != "all" {
		jobs = args
	}

	var errs []error
	for _, job := range jobs {
		n, err := orch.Refresh(ctx, job)
		if err != nil {
			fmt.Fprintf(os.Stderr, "   ❌ %s: %v\n", job, err)
			errs = append(errs, fmt.Errorf("%s: %w", job, err))
			continue
		}
		fmt.Fprintf(os.Stderr, "   ✅ %s: %d rows written\n", job, n)
	}
	return errors.Join(errs...)
}

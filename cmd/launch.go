package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/scttfrdmn/spotkeeper/pkg/launcher"
	"github.com/scttfrdmn/spotkeeper/pkg/regions"
	"github.com/spf13/cobra"
)

var (
	launchCount  int
	launchReason string
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a batch of spot capacity",
	Long: `Launch a batch of spot capacity across the best-scoring regions.

Regions are ranked by placement score plus interruption-free score and the
batch is split evenly across the top regions. Within a region the
cheapest zones are tried first. Units that cannot be placed anywhere are
reported as a shortfall, alerted, and retried after the cooldown.

Examples:
  spotkeeper launch
  spotkeeper launch --count 20
  spotkeeper launch --count 4 --regions us-east-1,us-west-2
`,
	RunE: runLaunch,
}

func init() {
	launchCmd.Flags().IntVar(&launchCount, "count", 0, "Number of units to launch (default launch.target_capacity)")
	launchCmd.Flags().StringVar(&launchReason, "reason", "launch", "Reason recorded with metrics and retries")

	rootCmd.AddCommand(launchCmd)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	orch, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer closeOrchestrator(orch, log)

	if launchCount == 0 {
		launchCount = orch.Config().Launch.TargetCapacity
	}
	if launchCount < 1 {
		return fmt.Errorf("set --count or launch.target_capacity")
	}

	fmt.Fprintf(os.Stderr, "\n🚀 Launching %d units (%s)\n\n", launchCount, orch.Config().InstanceType)

	out, err := orch.Replenish(ctx, launchCount, launchReason)
	printOutcome(out)

	var exhausted *launcher.CapacityExhaustedError
	switch {
	case errors.As(err, &exhausted):
		fmt.Fprintf(os.Stderr, "\n⚠️  %d of %d units could not be placed; a retry has been requested\n", exhausted.Shortfall, exhausted.Requested)
		return nil
	case errors.Is(err, regions.ErrNoSuitableRegion):
		fmt.Fprintf(os.Stderr, "\n⚠️  No region currently scores high enough; a retry has been requested\n")
		return nil
	case err != nil:
		return err
	}

	fmt.Fprintf(os.Stderr, "\n✅ All %d units placed\n", launchCount)
	return nil
}

func printOutcome(out *launcher.Outcome) {
	if out == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "   Active:  %d\n", len(out.Active))
	fmt.Fprintf(os.Stderr, "   Pending: %d\n", len(out.Open))
	fmt.Fprintf(os.Stderr, "   Failed:  %d\n", len(out.Failed))
	if len(out.Skipped) > 0 {
		fmt.Fprintf(os.Stderr, "   Skipped regions: %v\n", out.Skipped)
	}
	for _, r := range append(out.Active, out.Open...) {
		fmt.Printf("%s\t%s\t%s\t%s\n", r.Region, r.Zone, r.ID, r.State)
	}
}

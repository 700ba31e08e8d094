package cmd

import (
	"fmt"
	"os"

	"github.com/scttfrdmn/spotkeeper/pkg/tracker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cancelRegion string

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>...",
	Short: "Cancel spot requests and terminate their instances",
	Long: `Cancel spot requests in one region, terminate any instance they own,
and move their markers to failed. Cancelled requests are not replaced.

Examples:
  spotkeeper cancel --region us-east-1 sir-abc123 sir-def456
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelRegion, "region", "", "Region of the requests (required)")
	cancelCmd.MarkFlagRequired("region")

	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	orch, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer closeOrchestrator(orch, log)

	fmt.Fprintf(os.Stderr, "\n🛑 Cancelling %d requests in %s\n\n", len(args), cancelRegion)

	terminated, err := orch.Launcher.Cancel(ctx, cancelRegion, args)
	if err != nil {
		return err
	}
	if len(terminated) > 0 {
		fmt.Fprintf(os.Stderr, "⚡ Terminated: %v\n", terminated)
	}

	for _, id := range args {
		for _, from := range []tracker.Category{tracker.Open, tracker.Successful} {
			if _, err := orch.Tracker.Promote(ctx, id, cancelRegion, from, tracker.Failed); err != nil {
				log.Warn("failed to retire marker", zap.String("request_id", id), zap.Error(err))
			}
		}
	}

	fmt.Fprintf(os.Stderr, "✅ Cancelled\n")
	return nil
}

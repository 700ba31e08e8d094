package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/scttfrdmn/spotkeeper/pkg/reclaim"
	"github.com/spf13/cobra"
)

var (
	reclaimEventFile  string
	reclaimInstanceID string
	reclaimRegion     string
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Handle a spot interruption warning",
	Long: `Handle one spot interruption warning: retire the request marker, record
interruption telemetry, and launch one replacement unit.

Pass either the EventBridge event as a file or the instance directly.

Examples:
  spotkeeper reclaim --event interruption.json
  spotkeeper reclaim --instance-id i-0123456789abcdef0 --region us-east-1
`,
	Args: cobra.NoArgs,
	RunE: runReclaim,
}

func init() {
	reclaimCmd.Flags().StringVar(&reclaimEventFile, "event", "", "EventBridge event JSON file")
	reclaimCmd.Flags().StringVar(&reclaimInstanceID, "instance-id", "", "Reclaimed instance")
	reclaimCmd.Flags().StringVar(&reclaimRegion, "region", "", "Region of the reclaimed instance")
	reclaimCmd.MarkFlagsMutuallyExclusive("event", "instance-id")

	rootCmd.AddCommand(reclaimCmd)
}

func runReclaim(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	notice, err := reclaimNotice()
	if err != nil {
		return err
	}

	orch, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer closeOrchestrator(orch, log)

	fmt.Fprintf(os.Stderr, "\n⚡ Handling reclamation of %s in %s\n\n", notice.InstanceID, notice.Region)

	result, err := orch.Reclaimer.OnReclamation(ctx, notice)
	if err != nil {
		return err
	}

	if result.RequestID != "" {
		fmt.Fprintf(os.Stderr, "   Request:   %s\n", result.RequestID)
	}
	fmt.Fprintf(os.Stderr, "   Marker retired:    %t\n", result.MarkerRetired)
	fmt.Fprintf(os.Stderr, "   Telemetry written: %t\n", result.TelemetryWritten)
	if !result.Replaced {
		fmt.Fprintf(os.Stderr, "\n⏭️  Replacement already handled by another invocation\n")
		return nil
	}
	printOutcome(result.Launch)
	if result.LaunchErr != nil {
		fmt.Fprintf(os.Stderr, "\n⚠️  Replacement incomplete: %v\n", result.LaunchErr)
	}
	return nil
}

func reclaimNotice() (reclaim.Notice, error) {
	if reclaimEventFile != "" {
		data, err := os.ReadFile(reclaimEventFile)
		if err != nil {
			return reclaim.Notice{}, fmt.Errorf("failed to read event: %w", err)
		}
		return reclaim.ParseEvent(data)
	}
	if reclaimInstanceID == "" || reclaimRegion == "" {
		return reclaim.Notice{}, fmt.Errorf("pass --event, or --instance-id with --region")
	}
	return reclaim.Notice{
		InstanceID: reclaimInstanceID,
		Region:     reclaimRegion,
		Time:       time.Now().UTC(),
		Action:     "terminate",
	}, nil
}

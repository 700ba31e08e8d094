package cmd

import (
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/scttfrdmn/spotkeeper/pkg/agent"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/logger"
	"github.com/scttfrdmn/spotkeeper/pkg/tracker"
	"github.com/spf13/cobra"
)

var agentNoTerminate bool

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Commands run on a fleet instance",
}

var agentCompleteCmd = &cobra.Command{
	Use:   "complete",
	Short: "Report workload completion and release this instance",
	Long: `Report that the workload on this instance has finished.

Reads the instance identity from the metadata service, writes a completion
record to the completion bucket, retires the request's open marker, and
terminates the instance.

Examples:
  # Last line of the workload's user data
  spotkeeper agent complete
`,
	Args: cobra.NoArgs,
	RunE: runAgentComplete,
}

func init() {
	agentCompleteCmd.Flags().BoolVar(&agentNoTerminate, "no-terminate", false, "Record completion but keep the instance running")

	agentCmd.AddCommand(agentCompleteCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentComplete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	// instance credentials, never the fleet role
	client, err := spotaws.NewClient(ctx, cfg.HomeRegion, "")
	if err != nil {
		return err
	}
	s3Client := client.S3()
	markers := tracker.New(s3Client, cfg.Buckets.Tracking, nil, log.Named("tracker"))
	a := agent.New(imds.NewFromConfig(client.Config()), client, s3Client, cfg.Buckets.Complete, markers, log.Named("agent"))

	record, err := a.Complete(ctx, !agentNoTerminate)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "\n✅ Completion recorded for %s (%s)\n", record.InstanceID, record.Region)
	if !agentNoTerminate {
		fmt.Fprintf(os.Stderr, "👋 Instance terminating\n")
	}
	return nil
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sweep loop and the interruption queue consumer",
	Long: `Run as a long-lived daemon: sweep every daemon.sweep_interval, handle
interruption warnings delivered to daemon.queue_url, and serve /metrics and
/health when observability.metrics.enabled is set. Stops on SIGINT or
SIGTERM.
`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	orch, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer closeOrchestrator(orch, log)

	fmt.Fprintf(os.Stderr, "\n🔄 spotkeeper daemon running (Ctrl-C to stop)\n\n")
	return orch.Run(ctx)
}

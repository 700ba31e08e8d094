package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/scttfrdmn/spotkeeper/pkg/tracker"
	"github.com/spf13/cobra"
)

var statusAll bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracked spot requests",
	Long: `Show how many request markers each category holds, followed by every
open request with the number of sweeps it has survived.

Examples:
  spotkeeper status
  spotkeeper status --all
`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "Also list successful and failed requests")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	orch, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer closeOrchestrator(orch, log)

	counts, err := orch.Tracker.CountByCategory(ctx)
	if err != nil {
		return fmt.Errorf("failed to count markers: %w", err)
	}

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	paint := map[tracker.Category]func(a ...interface{}) string{
		tracker.Open:       yellow,
		tracker.Successful: green,
		tracker.Failed:     red,
	}

	fmt.Println()
	fmt.Printf("📊 Requests tracked in s3://%s\n", orch.Tracker.Bucket())
	fmt.Println()

	summary := tablewriter.NewWriter(os.Stdout)
	summary.SetHeader([]string{"Category", "Requests"})
	summary.SetBorder(true)
	for _, category := range tracker.Categories {
		summary.Append([]string{paint[category](string(category)), strconv.Itoa(counts[string(category)])})
	}
	summary.Render()

	open, err := orch.Tracker.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open markers: %w", err)
	}

	rows := tablewriter.NewWriter(os.Stdout)
	rows.SetHeader([]string{"Region", "Request", "Category", "Checks"})
	rows.SetBorder(true)
	rows.SetAutoMergeCells(true)
	for _, region := range tracker.Regions(open) {
		for _, m := range open[region] {
			rows.Append([]string{region, m.RequestID, yellow(string(tracker.Open)), strconv.Itoa(m.CheckCount)})
		}
	}

	if statusAll {
		for _, category := range []tracker.Category{tracker.Successful, tracker.Failed} {
			markers, err := orch.Tracker.List(ctx, category)
			if err != nil {
				return fmt.Errorf("failed to list %s markers: %w", category, err)
			}
			for _, m := range markers {
				rows.Append([]string{m.Region, m.RequestID, paint[category](string(category)), "-"})
			}
		}
	}

	if rows.NumLines() > 0 {
		fmt.Println()
		rows.Render()
	}
	return nil
}

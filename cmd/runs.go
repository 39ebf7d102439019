package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/store"
)

var (
	runsStatus string
	runsMode   string
	runsLimit  int
	runsJSON   bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded batch runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		hist, err := initHistory(ctx)
		if err != nil {
			return err
		}
		defer hist.Close()

		if err := hist.Migrate(ctx); err != nil {
			return err
		}

		runs, err := hist.ListBatches(ctx, store.BatchFilter{
			Status: model.RunStatus(runsStatus),
			Mode:   model.Mode(runsMode),
			Limit:  runsLimit,
		})
		if err != nil {
			return err
		}

		if runsJSON {
			return printJSON(runs)
		}

		for _, run := range runs {
			line := fmt.Sprintf("%s  %-6s  %-8s  %4d items  started %s",
				run.ID, run.Mode, run.Status, run.TotalItems,
				run.StartedAt.Format("2006-01-02 15:04:05"),
			)
			if run.Summary != nil {
				line += fmt.Sprintf("  (%d completed, %d failed)", run.Summary.Completed, run.Summary.Failed)
			}
			fmt.Println(line)
		}
		if len(runs) == 0 {
			fmt.Println("no runs recorded")
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by run status (running, complete, failed, aborted)")
	runsCmd.Flags().StringVar(&runsMode, "mode", "", "filter by mode (batch, single)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 0, "show at most N runs")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print runs as JSON")
	rootCmd.AddCommand(runsCmd)
}

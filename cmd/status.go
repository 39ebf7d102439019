package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sells-group/listing-cli/internal/checkpoint"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/recovery"
)

var statusJSON bool

// statusReport is the JSON shape of the status command.
type statusReport struct {
	Session      model.Session   `json:"session"`
	Summary      model.Summary   `json:"summary"`
	SourceHealth map[string]bool `json:"source_health,omitempty"`
	Exhausted    []string        `json:"exhausted,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint progress without processing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cp := checkpoint.Open(cfg.Checkpoint.Path, checkpoint.Options{
			StaleThreshold: cfg.Checkpoint.StaleThreshold(),
			MaxRetries:     cfg.Checkpoint.MaxRetries,
			BackupCount:    cfg.Checkpoint.BackupCount,
		})
		mgr := recovery.NewManager(cp)

		if err := mgr.LoadAndValidate(); err != nil {
			return err
		}
		snap, err := cp.Snapshot()
		if err != nil {
			return err
		}
		exhausted, err := mgr.ExhaustedAddresses()
		if err != nil {
			return err
		}

		report := statusReport{
			Session:      snap.Session,
			Summary:      snap.Summary,
			SourceHealth: snap.SourceHealth,
			Exhausted:    exhausted,
		}
		if statusJSON {
			return printJSON(report)
		}

		s := report.Summary
		fmt.Printf("session %s (%s), started %s, last checkpoint %s\n",
			report.Session.ID, report.Session.Mode,
			report.Session.StartedAt.Format("2006-01-02 15:04:05"),
			report.Session.LastCheckpoint.Format("2006-01-02 15:04:05"),
		)
		fmt.Printf("items: %d total, %d completed, %d in progress, %d pending, %d failed\n",
			s.Total(), s.Completed, s.InProgress, s.Pending, s.Failed)

		if len(s.Tiers) > 0 {
			tiers := make([]string, 0, len(s.Tiers))
			for tier := range s.Tiers {
				tiers = append(tiers, tier)
			}
			sort.Strings(tiers)
			for _, tier := range tiers {
				fmt.Printf("  tier %s: %d\n", tier, s.Tiers[tier])
			}
		}

		if len(report.SourceHealth) > 0 {
			sources := make([]string, 0, len(report.SourceHealth))
			for source := range report.SourceHealth {
				sources = append(sources, source)
			}
			sort.Strings(sources)
			for _, source := range sources {
				state := "available"
				if !report.SourceHealth[source] {
					state = "unavailable"
				}
				fmt.Printf("  source %s: %s\n", source, state)
			}
		}

		for _, address := range report.Exhausted {
			fmt.Printf("  needs attention: %s\n", address)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
	rootCmd.AddCommand(statusCmd)
}

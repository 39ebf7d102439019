package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run <address>",
	Short: "Vet a single listing address",
	Long:  "Starts a one-item session for the address and walks it through every phase. Any prior checkpoint is backed up first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		address := args[0]

		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		backup, err := env.Recovery.PrepareFreshStart(model.ModeSingle, []string{address})
		if err != nil {
			return err
		}
		if backup != "" {
			zap.L().Info("prior checkpoint backed up", zap.String("path", backup))
		}

		snap, err := env.Checkpoint.Snapshot()
		if err != nil {
			return err
		}

		runRec, histErr := env.History.CreateBatch(ctx, snap.Session.ID, model.ModeSingle, 1)
		if histErr != nil {
			zap.L().Warn("run history unavailable", zap.Error(histErr))
		}

		report, runErr := env.Pipeline.ProcessBatch(ctx, []string{address})

		if runRec != nil {
			recordHistory(env, runRec.ID, ctx.Err() != nil, runErr, report, []string{address})
		}
		if runErr != nil {
			return runErr
		}

		item, err := env.Checkpoint.Item(address)
		if err != nil {
			return err
		}
		zap.L().Info("vetting complete",
			zap.String("address", address),
			zap.String("status", string(item.Status)),
			zap.String("tier", string(item.Tier)),
			zap.Float64("score", item.Score),
		)

		return printJSON(item)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/checkpoint"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/pipeline"
	"github.com/sells-group/listing-cli/internal/recovery"
)

var (
	batchFresh  bool
	batchStrict bool
	batchDryRun bool
	batchLimit  int
	batchJSON   bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <addresses-file>",
	Short: "Vet a file of listing addresses",
	Long:  "Reads one address per line, walks each through the pipeline, and checkpoints every phase. Re-running the same file resumes from the checkpoint; --fresh discards it and starts over.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		addresses, err := readAddresses(args[0])
		if err != nil {
			return err
		}
		if batchLimit > 0 && len(addresses) > batchLimit {
			addresses = addresses[:batchLimit]
		}
		if len(addresses) == 0 {
			return eris.Errorf("no addresses in %s", args[0])
		}

		if batchDryRun {
			est, err := pipeline.EstimateBatch(len(addresses), cfg.Batch.MaxConcurrentItems, nil)
			if err != nil {
				return err
			}
			if batchJSON {
				return printJSON(est)
			}
			fmt.Print(est.Format())
			return nil
		}

		env, err := initEnv(ctx, batchStrict)
		if err != nil {
			return err
		}
		defer env.Close()

		toProcess, err := prepareSession(env.Recovery, addresses)
		if err != nil {
			return err
		}
		if len(toProcess) == 0 {
			zap.L().Info("nothing to process, all items are terminal")
			return reportExhausted(env.Recovery)
		}

		snap, err := env.Checkpoint.Snapshot()
		if err != nil {
			return err
		}

		runRec, histErr := env.History.CreateBatch(ctx, snap.Session.ID, model.ModeBatch, len(toProcess))
		if histErr != nil {
			zap.L().Warn("run history unavailable", zap.Error(histErr))
		}

		report, runErr := env.Pipeline.ProcessBatch(ctx, toProcess)

		if runRec != nil {
			recordHistory(env, runRec.ID, ctx.Err() != nil, runErr, report, toProcess)
		}

		if batchJSON {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			fmt.Print(pipeline.FormatReport(report))
		}

		if runErr != nil {
			return runErr
		}
		return reportExhausted(env.Recovery)
	},
}

func init() {
	batchCmd.Flags().BoolVar(&batchFresh, "fresh", false, "discard any existing checkpoint and start a new session")
	batchCmd.Flags().BoolVar(&batchStrict, "strict", false, "abort the batch on the first permanent failure")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "print a duration estimate without processing")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "process at most N addresses (0 = all)")
	batchCmd.Flags().BoolVar(&batchJSON, "json", false, "print the batch report as JSON")
	rootCmd.AddCommand(batchCmd)
}

// readAddresses loads one address per line, skipping blanks and # comments.
func readAddresses(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var addresses []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addresses = append(addresses, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return addresses, nil
}

// prepareSession decides what this run processes: with --fresh a brand-new
// session over the file's addresses, otherwise a resume of whatever the
// checkpoint still holds pending. A missing checkpoint counts as a first run
// and starts fresh implicitly.
func prepareSession(rec *recovery.Manager, addresses []string) ([]string, error) {
	if batchFresh {
		loss, err := rec.EstimateDataLoss()
		if err != nil {
			zap.L().Warn("could not estimate data loss from prior checkpoint", zap.Error(err))
		}
		if loss > 0 {
			zap.L().Warn("fresh start discards completed work",
				zap.Int("completed_items", loss),
			)
		}
		return startFresh(rec, addresses)
	}

	if err := rec.LoadAndValidate(); err != nil {
		if eris.Is(err, checkpoint.ErrNotFound) {
			return startFresh(rec, addresses)
		}
		return nil, err
	}

	pending, err := rec.PendingAddresses()
	if err != nil {
		return nil, err
	}
	completed, err := rec.CompletedAddresses()
	if err != nil {
		return nil, err
	}
	zap.L().Info("resuming session",
		zap.Int("pending", len(pending)),
		zap.Int("completed", len(completed)),
	)
	return pending, nil
}

func startFresh(rec *recovery.Manager, addresses []string) ([]string, error) {
	backup, err := rec.PrepareFreshStart(model.ModeBatch, addresses)
	if err != nil {
		return nil, err
	}
	if backup != "" {
		zap.L().Info("prior checkpoint backed up", zap.String("path", backup))
	}
	return rec.PendingAddresses()
}

// recordHistory closes out the run's audit record. History failures are
// logged, never fatal: the checkpoint remains the source of truth.
func recordHistory(env *pipelineEnv, runID string, aborted bool, runErr error, report *pipeline.BatchReport, processed []string) {
	status := model.RunStatusComplete
	switch {
	case aborted:
		status = model.RunStatusAborted
	case runErr != nil:
		status = model.RunStatusFailed
	}

	var results []model.BatchResult
	for _, address := range processed {
		item, err := env.Checkpoint.Item(address)
		if err != nil {
			continue
		}
		r := model.BatchResult{
			ItemID:  item.ID,
			Address: item.Address,
			Status:  item.Status,
			Tier:    item.Tier,
			Score:   item.Score,
		}
		if n := len(item.ErrorLog); n > 0 {
			r.Error = item.ErrorLog[n-1].Message
		}
		results = append(results, r)
	}

	// Use a background context so an aborted run still gets recorded.
	if err := env.History.CompleteBatch(context.Background(), runID, status, report.Summary, results); err != nil {
		zap.L().Warn("record run history", zap.Error(err))
	}
}

// reportExhausted surfaces items failed past the retry ceiling as a non-zero
// exit, so schedulers notice batches needing manual attention.
func reportExhausted(rec *recovery.Manager) error {
	exhausted, err := rec.ExhaustedAddresses()
	if err != nil {
		return err
	}
	if len(exhausted) == 0 {
		return nil
	}
	zap.L().Warn("items failed past the retry ceiling",
		zap.Int("count", len(exhausted)),
		zap.Strings("addresses", exhausted),
	)
	return eris.Errorf("%d items failed past the retry ceiling", len(exhausted))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

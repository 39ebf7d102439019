//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-cli/internal/checkpoint"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/pipeline"
	"github.com/sells-group/listing-cli/internal/recovery"
	"github.com/sells-group/listing-cli/internal/store"
)

func reportForTest(cp *checkpoint.Store) (*pipeline.BatchReport, error) {
	snap, err := cp.Snapshot()
	if err != nil {
		return nil, err
	}
	return &pipeline.BatchReport{Summary: snap.Summary}, nil
}

func TestReadAddresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "addresses.txt")
	require.NoError(t, os.WriteFile(path, []byte(`
# fixture batch
123 Main St, Springfield

  456 Oak Ave, Shelbyville
# trailing comment
`), 0o644))

	addresses, err := readAddresses(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"123 Main St, Springfield", "456 Oak Ave, Shelbyville"}, addresses)
}

func TestReadAddresses_MissingFile(t *testing.T) {
	_, err := readAddresses(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
}

func TestPrepareSession_FirstRunStartsFresh(t *testing.T) {
	cp := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.json"), checkpoint.Options{})
	rec := recovery.NewManager(cp)

	toProcess, err := prepareSession(rec, []string{"2 B St", "1 A St"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1 A St", "2 B St"}, toProcess)
}

func TestPrepareSession_ResumeReturnsPendingOnly(t *testing.T) {
	cp := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.json"), checkpoint.Options{})
	require.NoError(t, cp.Initialize(model.ModeBatch, []string{"1 A St", "2 B St"}))
	for _, phase := range model.Phases {
		require.NoError(t, cp.CheckpointStart("1 A St", phase))
		require.NoError(t, cp.CheckpointComplete("1 A St", phase, nil))
	}

	rec := recovery.NewManager(cp)
	toProcess, err := prepareSession(rec, []string{"1 A St", "2 B St"})
	require.NoError(t, err)
	assert.Equal(t, []string{"2 B St"}, toProcess)
}

func TestRecordHistory(t *testing.T) {
	dir := t.TempDir()
	cp := checkpoint.Open(filepath.Join(dir, "checkpoint.json"), checkpoint.Options{})
	require.NoError(t, cp.Initialize(model.ModeBatch, []string{"1 A St"}))

	hist, err := store.NewSQLite(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })
	ctx := context.Background()
	require.NoError(t, hist.Migrate(ctx))

	env := &pipelineEnv{Checkpoint: cp, History: hist}

	runRec, err := hist.CreateBatch(ctx, "session-1", model.ModeBatch, 1)
	require.NoError(t, err)

	report, err := reportForTest(cp)
	require.NoError(t, err)
	recordHistory(env, runRec.ID, false, nil, report, []string{"1 A St"})

	run, results, err := hist.GetBatch(ctx, runRec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.Len(t, results, 1)
	assert.Equal(t, "1 A St", results[0].Address)
}

func TestRecordHistory_Aborted(t *testing.T) {
	dir := t.TempDir()
	cp := checkpoint.Open(filepath.Join(dir, "checkpoint.json"), checkpoint.Options{})
	require.NoError(t, cp.Initialize(model.ModeBatch, []string{"1 A St"}))

	hist, err := store.NewSQLite(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })
	ctx := context.Background()
	require.NoError(t, hist.Migrate(ctx))

	env := &pipelineEnv{Checkpoint: cp, History: hist}

	runRec, err := hist.CreateBatch(ctx, "session-1", model.ModeBatch, 1)
	require.NoError(t, err)

	report, err := reportForTest(cp)
	require.NoError(t, err)
	recordHistory(env, runRec.ID, true, nil, report, []string{"1 A St"})

	run, _, err := hist.GetBatch(ctx, runRec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAborted, run.Status)
}

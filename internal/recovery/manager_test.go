package recovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-cli/internal/checkpoint"
	"github.com/sells-group/listing-cli/internal/model"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	st := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.json"), checkpoint.Options{})
	return NewManager(st)
}

func completeAll(t *testing.T, st *checkpoint.Store, address string) {
	t.Helper()
	for _, phase := range model.Phases {
		require.NoError(t, st.CheckpointStart(address, phase))
		require.NoError(t, st.CheckpointComplete(address, phase, nil))
	}
}

func TestLoadAndValidate_MissingStore(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	err := m.LoadAndValidate()
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, eris.As(err, &verr))
	assert.Contains(t, verr.Suggestion, "fresh")
	assert.True(t, eris.Is(err, checkpoint.ErrNotFound))
}

func TestLoadAndValidate_CorruptStore(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	require.NoError(t, os.WriteFile(m.Store().Path(), []byte("garbage"), 0o644))

	err := m.LoadAndValidate()
	var verr *ValidationError
	require.True(t, eris.As(err, &verr))
	assert.Contains(t, verr.Reason, "corrupt")
}

func TestLoadAndValidate_NewerSchema(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	doc := map[string]any{"schema_version": checkpoint.SchemaVersion + 1}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.Store().Path(), data, 0o644))

	err = m.LoadAndValidate()
	var verr *ValidationError
	require.True(t, eris.As(err, &verr))
	assert.Contains(t, verr.Reason, "newer build")
}

func TestLoadAndValidate_HealthyStore(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	require.NoError(t, m.Store().Initialize(model.ModeBatch, []string{"1 A St"}))
	assert.NoError(t, m.LoadAndValidate())
}

func TestPendingAndCompletedAddresses(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	st := m.Store()
	require.NoError(t, st.Initialize(model.ModeBatch, []string{"1 A St", "2 B St", "3 C St", "4 D St"}))

	// 1: fully completed.
	completeAll(t, st, "1 A St")

	// 2: transient failure under the ceiling — still pending.
	require.NoError(t, st.CheckpointStart("2 B St", model.PhasePrefill))
	require.NoError(t, st.CheckpointComplete("2 B St", model.PhasePrefill, &checkpoint.Failure{
		Message: "timeout", Category: model.CategoryTransient,
	}))

	// 3: permanent failure — needs manual attention, not pending.
	require.NoError(t, st.CheckpointStart("3 C St", model.PhasePrefill))
	require.NoError(t, st.CheckpointComplete("3 C St", model.PhasePrefill, &checkpoint.Failure{
		Message: "404 parcel not found", Category: model.CategoryPermanent,
	}))

	pending, err := m.PendingAddresses()
	require.NoError(t, err)
	assert.Equal(t, []string{"2 B St", "4 D St"}, pending)

	completed, err := m.CompletedAddresses()
	require.NoError(t, err)
	assert.Equal(t, []string{"1 A St"}, completed)

	exhausted, err := m.ExhaustedAddresses()
	require.NoError(t, err)
	assert.Equal(t, []string{"3 C St"}, exhausted)
}

func TestPendingAddresses_RespectsRetryCeiling(t *testing.T) {
	t.Parallel()

	st := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.json"), checkpoint.Options{MaxRetries: 2})
	m := NewManager(st)
	require.NoError(t, st.Initialize(model.ModeBatch, []string{"1 A St"}))

	// Fail transiently until the ceiling is hit.
	for i := 0; i < 2; i++ {
		require.NoError(t, st.CheckpointStart("1 A St", model.PhasePrefill))
		require.NoError(t, st.CheckpointComplete("1 A St", model.PhasePrefill, &checkpoint.Failure{
			Message: "timeout", Category: model.CategoryTransient,
		}))
	}

	pending, err := m.PendingAddresses()
	require.NoError(t, err)
	assert.Empty(t, pending, "retry ceiling reached")

	exhausted, err := m.ExhaustedAddresses()
	require.NoError(t, err)
	assert.Equal(t, []string{"1 A St"}, exhausted)
}

func TestEstimateDataLoss(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	st := m.Store()
	require.NoError(t, st.Initialize(model.ModeBatch, []string{"1 A St", "2 B St"}))
	completeAll(t, st, "1 A St")

	loss, err := m.EstimateDataLoss()
	require.NoError(t, err)
	assert.Equal(t, 1, loss)
}

func TestEstimateDataLoss_NoStore(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	loss, err := m.EstimateDataLoss()
	require.NoError(t, err)
	assert.Zero(t, loss)
}

func TestPrepareFreshStart_BacksUpExisting(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	st := m.Store()
	require.NoError(t, st.Initialize(model.ModeBatch, []string{"1 A St", "2 B St"}))
	completeAll(t, st, "1 A St")

	loss, err := m.EstimateDataLoss()
	require.NoError(t, err)
	assert.Equal(t, 1, loss)

	backup, err := m.PrepareFreshStart(model.ModeBatch, []string{"5 E St"})
	require.NoError(t, err)
	require.NotEmpty(t, backup)
	assert.FileExists(t, backup)

	snap, err := st.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Items, 1)
	assert.Equal(t, 1, snap.Summary.Pending)
}

func TestPrepareFreshStart_NothingToBackUp(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	backup, err := m.PrepareFreshStart(model.ModeSingle, []string{"1 A St"})
	require.NoError(t, err)
	assert.Empty(t, backup)
}

func TestResetStaleItems_NoneStale(t *testing.T) {
	t.Parallel()

	m := newManager(t)
	require.NoError(t, m.Store().Initialize(model.ModeBatch, []string{"1 A St"}))
	require.NoError(t, m.Store().CheckpointStart("1 A St", model.PhasePrefill))

	healed, err := m.ResetStaleItems()
	require.NoError(t, err)
	assert.Empty(t, healed)
}

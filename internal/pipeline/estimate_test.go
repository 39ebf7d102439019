package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-cli/internal/model"
)

func TestEstimateBatch(t *testing.T) {
	t.Parallel()

	budgets := map[string]time.Duration{
		model.PhasePrefill:    10 * time.Second,
		model.PhaseListing:    10 * time.Second,
		model.PhasePhotos:     30 * time.Second,
		model.PhaseDedupe:     5 * time.Second,
		model.PhaseKillSwitch: 1 * time.Second,
		model.PhaseScore:      1 * time.Second,
	}

	est, err := EstimateBatch(10, 5, budgets)
	require.NoError(t, err)

	// Parallel pair costs its slower leg: 10 + 30 + 5 + 1 + 1 = 47s.
	assert.Equal(t, 47*time.Second, est.PerItem)
	// 10 items over 5 slots = 2 waves.
	assert.Equal(t, 94*time.Second, est.Total)
}

func TestEstimateBatch_DefaultBudgets(t *testing.T) {
	t.Parallel()

	est, err := EstimateBatch(3, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, est.PerItem, est.Total, "single wave")
	assert.NotEmpty(t, est.Format())
}

func TestEstimateBatch_InvalidInputs(t *testing.T) {
	t.Parallel()

	_, err := EstimateBatch(-1, 5, nil)
	assert.Error(t, err)

	_, err = EstimateBatch(5, 0, nil)
	assert.Error(t, err)

	_, err = EstimateBatch(5, 5, map[string]time.Duration{model.PhasePrefill: time.Second})
	assert.Error(t, err)
}

package pipeline

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/model"
)

// BatchEstimate is the dry-run projection for a batch: no external calls,
// just arithmetic over expected per-phase durations and the pending count.
type BatchEstimate struct {
	Items        int                      `json:"items"`
	Concurrency  int                      `json:"concurrency"`
	PerItem      time.Duration            `json:"per_item"`
	Total        time.Duration            `json:"total"`
	PhaseBudgets map[string]time.Duration `json:"phase_budgets"`
}

// DefaultPhaseBudgets holds expected wall-clock durations per phase,
// from observed p50s of the real sources.
var DefaultPhaseBudgets = map[string]time.Duration{
	model.PhasePrefill:    8 * time.Second,
	model.PhaseListing:    12 * time.Second,
	model.PhasePhotos:     20 * time.Second,
	model.PhaseDedupe:     3 * time.Second,
	model.PhaseKillSwitch: 1 * time.Second,
	model.PhaseScore:      1 * time.Second,
}

// EstimateBatch projects batch duration: the parallel pair costs its slower
// leg, everything else is sequential, and items divide across concurrency
// slots.
func EstimateBatch(items, concurrency int, budgets map[string]time.Duration) (*BatchEstimate, error) {
	if items < 0 {
		return nil, eris.New("estimate: negative item count")
	}
	if concurrency <= 0 {
		return nil, eris.New("estimate: concurrency must be positive")
	}
	if budgets == nil {
		budgets = DefaultPhaseBudgets
	}
	for _, phase := range model.Phases {
		if _, ok := budgets[phase]; !ok {
			return nil, eris.Errorf("estimate: no budget for phase %s", phase)
		}
	}

	perItem := budgets[model.PhasePrefill] +
		max(budgets[model.PhaseListing], budgets[model.PhasePhotos]) +
		budgets[model.PhaseDedupe] +
		budgets[model.PhaseKillSwitch] +
		budgets[model.PhaseScore]

	waves := (items + concurrency - 1) / concurrency

	return &BatchEstimate{
		Items:        items,
		Concurrency:  concurrency,
		PerItem:      perItem,
		Total:        time.Duration(waves) * perItem,
		PhaseBudgets: budgets,
	}, nil
}

// Format renders the estimate for the CLI.
func (e *BatchEstimate) Format() string {
	return fmt.Sprintf(
		"%d items at concurrency %d: ~%s per item, ~%s total\n",
		e.Items, e.Concurrency,
		e.PerItem.Round(time.Second), e.Total.Round(time.Second),
	)
}

package pipeline

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/model"
)

// GateValidator decides whether a phase's prerequisites hold. A non-nil
// error is the gate reason; the coordinator records it as a skip, distinct
// from a handler failure.
type GateValidator interface {
	Validate(item *model.WorkItem) error
}

// DedupeGate guards 2_dedupe: the listing detail phase must have completed
// and the item's photo asset directory must exist and be non-empty.
// Dedupe on zero photos is meaningless and would mask upstream failures.
type DedupeGate struct {
	AssetRoot string
}

// AssetDir returns the item's photo directory under the asset root.
func (g *DedupeGate) AssetDir(item *model.WorkItem) string {
	return filepath.Join(g.AssetRoot, item.ID)
}

// Validate implements GateValidator.
func (g *DedupeGate) Validate(item *model.WorkItem) error {
	listing, ok := item.Phases[model.PhaseListing]
	if !ok || listing.Status != model.StatusCompleted {
		return eris.New("gate: listing detail phase not completed")
	}

	dir := g.AssetDir(item)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return eris.Errorf("gate: asset directory %s does not exist", dir)
		}
		return eris.Wrap(err, "gate: read asset directory")
	}
	if len(entries) == 0 {
		return eris.Errorf("gate: asset directory %s is empty", dir)
	}
	return nil
}

// Package store persists batch run history: a durable audit trail of every
// orchestrator run and its per-item outcomes, separate from the live
// checkpoint document and kept across fresh starts.
package store

import (
	"context"

	"github.com/sells-group/listing-cli/internal/model"
)

// BatchFilter specifies criteria for listing batch runs.
type BatchFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Mode   model.Mode      `json:"mode,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the run history persistence interface.
type Store interface {
	// CreateBatch records a run starting.
	CreateBatch(ctx context.Context, sessionID string, mode model.Mode, totalItems int) (*model.BatchRun, error)

	// CompleteBatch records the run's final status, summary, and per-item
	// results.
	CompleteBatch(ctx context.Context, runID string, status model.RunStatus, summary model.Summary, results []model.BatchResult) error

	// GetBatch returns one run with its results.
	GetBatch(ctx context.Context, runID string) (*model.BatchRun, []model.BatchResult, error)

	// ListBatches returns runs matching the filter, newest first.
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.BatchRun, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

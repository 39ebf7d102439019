package model

import (
	"time"

	"github.com/google/uuid"
)

// Mode distinguishes a full batch run from a single-address invocation.
type Mode string

const (
	ModeBatch  Mode = "batch"
	ModeSingle Mode = "single"
)

// Session describes one batch run. It is created once per invocation,
// updated on every checkpoint, and superseded (never deleted) by a fresh
// start.
type Session struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	Mode           Mode      `json:"mode"`
	TotalItems     int       `json:"total_items"`
	LastCheckpoint time.Time `json:"last_checkpoint"`
}

// NewSession creates a session for the given mode and item count.
func NewSession(mode Mode, totalItems int, now time.Time) Session {
	return Session{
		ID:         uuid.New().String(),
		StartedAt:  now,
		Mode:       mode,
		TotalItems: totalItems,
	}
}

// Summary holds derived per-status and per-tier counts. It is always
// recomputed from the items, never hand-set.
type Summary struct {
	Pending    int            `json:"pending"`
	InProgress int            `json:"in_progress"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Tiers      map[string]int `json:"tiers,omitempty"`
}

// Total is the sum of the per-status counts. It must always equal the
// number of work items.
func (s Summary) Total() int {
	return s.Pending + s.InProgress + s.Completed + s.Failed
}

// ComputeSummary derives the summary from the item set. Each item's status
// is recomputed first, so the counts can never go stale.
func ComputeSummary(items map[string]*WorkItem, maxRetries int, now time.Time) Summary {
	sum := Summary{Tiers: make(map[string]int)}
	for _, item := range items {
		item.Recompute(maxRetries, now)
		switch item.Status {
		case StatusPending:
			sum.Pending++
		case StatusInProgress, StatusRetrying:
			sum.InProgress++
		case StatusCompleted:
			sum.Completed++
		case StatusFailed:
			sum.Failed++
		}
		if item.Tier != "" {
			sum.Tiers[string(item.Tier)]++
		}
	}
	return sum
}

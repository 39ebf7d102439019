// Package model defines the work item, session, and summary types shared by
// the checkpoint store, recovery manager, and phase coordinator.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Phase names, in pipeline order. 1a and 1b run concurrently; everything
// else is strictly sequential.
const (
	PhasePrefill    = "0_prefill"
	PhaseListing    = "1a_listing"
	PhasePhotos     = "1b_photos"
	PhaseDedupe     = "2_dedupe"
	PhaseKillSwitch = "3_killswitch"
	PhaseScore      = "4_score"
)

// Phases lists every phase in pipeline order.
var Phases = []string{
	PhasePrefill,
	PhaseListing,
	PhasePhotos,
	PhaseDedupe,
	PhaseKillSwitch,
	PhaseScore,
}

// Status is the lifecycle state of a work item or a single phase.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusSkipped    Status = "skipped"
)

// Tier is the outcome bucket assigned by the scoring phase.
type Tier string

const (
	TierA    Tier = "A"
	TierB    Tier = "B"
	TierC    Tier = "C"
	TierKill Tier = "kill"
)

// Error categories recorded alongside failed phases. Transient failures are
// eligible for retry; permanent and unknown failures are not.
const (
	CategoryTransient = "transient"
	CategoryPermanent = "permanent"
	CategoryUnknown   = "unknown"
)

// ErrInvalidTransition is returned when a phase checkpoint would violate the
// phase state machine. These are integration bugs, never retried.
var ErrInvalidTransition = eris.New("invalid phase transition")

// PhaseState tracks one phase of one work item.
type PhaseState struct {
	Status        Status     `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorCategory string     `json:"error_category,omitempty"`
	RetryCount    int        `json:"retry_count"`
	StaleResetAt  *time.Time `json:"stale_reset_at,omitempty"`
}

// Start transitions the phase to in_progress. Only pending, failed, and
// retrying phases may start.
func (p *PhaseState) Start(now time.Time) error {
	switch p.Status {
	case StatusPending, StatusFailed, StatusRetrying:
	case StatusCompleted:
		return eris.Wrapf(ErrInvalidTransition, "phase already completed")
	case StatusInProgress:
		return eris.Wrapf(ErrInvalidTransition, "phase already in_progress")
	default:
		return eris.Wrapf(ErrInvalidTransition, "phase in state %s", p.Status)
	}
	p.Status = StatusInProgress
	p.StartedAt = &now
	p.Error = ""
	p.ErrorCategory = ""
	return nil
}

// Complete transitions an in_progress phase to completed.
func (p *PhaseState) Complete(now time.Time) error {
	if p.Status != StatusInProgress {
		return eris.Wrapf(ErrInvalidTransition, "complete requires in_progress, phase is %s", p.Status)
	}
	p.Status = StatusCompleted
	p.CompletedAt = &now
	return nil
}

// Fail transitions an in_progress phase to failed, recording the error
// message and category and consuming one unit of the phase's retry budget.
func (p *PhaseState) Fail(now time.Time, msg, category string) error {
	if p.Status != StatusInProgress {
		return eris.Wrapf(ErrInvalidTransition, "fail requires in_progress, phase is %s", p.Status)
	}
	p.Status = StatusFailed
	p.FailedAt = &now
	p.Error = msg
	p.ErrorCategory = category
	p.RetryCount++
	return nil
}

// Skip marks a pending or in_progress phase as skipped with a reason (used
// by the dedupe prerequisite gate).
func (p *PhaseState) Skip(now time.Time, reason string) error {
	if p.Status != StatusPending && p.Status != StatusInProgress {
		return eris.Wrapf(ErrInvalidTransition, "skip requires pending or in_progress, phase is %s", p.Status)
	}
	p.Status = StatusSkipped
	p.CompletedAt = &now
	p.Error = reason
	return nil
}

// Terminal reports whether the phase needs no further work.
func (p *PhaseState) Terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusSkipped
}

// ErrorEntry is one row of a work item's bounded error log.
type ErrorEntry struct {
	Phase    string    `json:"phase"`
	Message  string    `json:"message"`
	Category string    `json:"category"`
	At       time.Time `json:"at"`
}

// MaxErrorLog caps the number of entries retained per item. Oldest entries
// are dropped first.
const MaxErrorLog = 20

// WorkItem is the persisted progress record for one listing address.
type WorkItem struct {
	ID          string                 `json:"id"`
	Address     string                 `json:"address"`
	Status      Status                 `json:"status"`
	Phases      map[string]*PhaseState `json:"phases"`
	Tier        Tier                   `json:"tier,omitempty"`
	Score       float64                `json:"score,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	ErrorLog    []ErrorEntry           `json:"error_log,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`

	// Reserved for a future multi-worker mode. The single-process
	// coordinator never sets these.
	LockedBy string     `json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

// NewWorkItem creates a work item for an address with every phase pending.
// The ID is a deterministic hash of the normalized address and is the join
// key used by every other subsystem.
func NewWorkItem(address string) *WorkItem {
	phases := make(map[string]*PhaseState, len(Phases))
	for _, name := range Phases {
		phases[name] = &PhaseState{Status: StatusPending}
	}
	return &WorkItem{
		ID:      ItemID(address),
		Address: address,
		Status:  StatusPending,
		Phases:  phases,
	}
}

// LogError appends to the bounded error log, dropping the oldest entry when
// the cap is reached.
func (w *WorkItem) LogError(phase, msg, category string, at time.Time) {
	w.ErrorLog = append(w.ErrorLog, ErrorEntry{Phase: phase, Message: msg, Category: category, At: at})
	if len(w.ErrorLog) > MaxErrorLog {
		w.ErrorLog = w.ErrorLog[len(w.ErrorLog)-MaxErrorLog:]
	}
}

// ComputeStatus derives the aggregate item status from its phase statuses.
// It is a pure function and is recomputed on every read and write — the
// stored Status field is never trusted on its own.
//
// A failed phase drags the item to failed only when it is out of retries:
// either the failure is not transient, or its retry count has reached the
// ceiling. A transient failure still under budget leaves the item
// in_progress so resume picks it up again.
func (w *WorkItem) ComputeStatus(maxRetries int) Status {
	var pending, inProgress, terminal, retriableFailed int
	for _, p := range w.Phases {
		switch p.Status {
		case StatusFailed:
			if p.ErrorCategory == CategoryTransient && p.RetryCount < maxRetries {
				retriableFailed++
				continue
			}
			return StatusFailed
		case StatusPending:
			pending++
		case StatusInProgress, StatusRetrying:
			inProgress++
		case StatusCompleted, StatusSkipped:
			terminal++
		}
	}
	switch {
	case terminal == len(w.Phases):
		return StatusCompleted
	case inProgress > 0:
		return StatusInProgress
	case pending == len(w.Phases):
		return StatusPending
	default:
		return StatusInProgress
	}
}

// Recompute refreshes the aggregate status and completion timestamp.
func (w *WorkItem) Recompute(maxRetries int, now time.Time) {
	w.Status = w.ComputeStatus(maxRetries)
	if w.Status == StatusCompleted && w.CompletedAt == nil {
		w.CompletedAt = &now
	}
}

// Complete reports whether every phase reached a terminal state.
func (w *WorkItem) Complete() bool {
	for _, p := range w.Phases {
		if !p.Terminal() {
			return false
		}
	}
	return true
}

// Retriable reports whether the item should be picked up again by resume:
// not complete, and either unfailed or failed transiently with retry budget
// remaining on every failed phase.
func (w *WorkItem) Retriable(maxRetries int) bool {
	if w.Complete() {
		return false
	}
	for _, p := range w.Phases {
		if p.Status != StatusFailed {
			continue
		}
		if p.ErrorCategory != CategoryTransient || p.RetryCount >= maxRetries {
			return false
		}
	}
	return true
}

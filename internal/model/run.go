package model

import "time"

// RunStatus is the lifecycle of a batch run history record.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusAborted  RunStatus = "aborted"
)

// BatchRun is the durable audit record for one orchestrator run, kept in the
// run history store. It survives fresh starts that discard the checkpoint
// document.
type BatchRun struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Mode       Mode       `json:"mode"`
	Status     RunStatus  `json:"status"`
	TotalItems int        `json:"total_items"`
	Summary    *Summary   `json:"summary,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// BatchResult is one item's final outcome within a batch run.
type BatchResult struct {
	RunID   string  `json:"run_id"`
	ItemID  string  `json:"item_id"`
	Address string  `json:"address"`
	Status  Status  `json:"status"`
	Tier    Tier    `json:"tier,omitempty"`
	Score   float64 `json:"score,omitempty"`
	Error   string  `json:"error,omitempty"`
}

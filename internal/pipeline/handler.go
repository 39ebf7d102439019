// Package pipeline drives the fixed listing-vetting phase graph:
// 0_prefill → (1a_listing ∥ 1b_photos) → 2_dedupe → 3_killswitch → 4_score.
// The Coordinator is the only writer of checkpoint mutations; phase handlers
// never touch the store.
package pipeline

import (
	"context"
	"time"

	"github.com/sells-group/listing-cli/internal/model"
)

// Handler runs one phase for one work item. Implementations make the
// external calls (or local computation) and return a payload for the
// coordinator; they never write checkpoints themselves.
type Handler interface {
	// Name is the phase this handler serves.
	Name() string

	// Source is the breaker key the governor throttles this handler under.
	// Local phases use SourceLocal and bypass the governor.
	Source() string

	// Target returns the normalized call target for the given natural key,
	// used for systemic-failure bucketing.
	Target(key string) string

	// Run performs the phase. The returned payload is attached to the phase
	// result; its keys are handler-specific.
	Run(ctx context.Context, item *model.WorkItem) (map[string]any, error)
}

// SourceLocal marks phases that run entirely in-process.
const SourceLocal = "local"

// Breaker keys for the external sources.
const (
	SourceCounty   = "county"
	SourceMLS      = "mls"
	SourcePhotoCDN = "photocdn"
)

// Result is the per-phase outcome envelope returned to callers. The
// authoritative record lives in the checkpoint store; Result exists for
// reporting and tests.
type Result struct {
	Phase    string         `json:"phase"`
	Key      string         `json:"key"`
	Success  bool           `json:"success"`
	Skipped  bool           `json:"skipped,omitempty"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Payload keys the coordinator interprets.
const (
	// PayloadKill set true by the kill-switch phase marks the listing
	// non-viable; scoring is skipped and the item tiers out as kill.
	PayloadKill = "kill"

	// PayloadKillReason carries the rule that fired.
	PayloadKillReason = "kill_reason"

	// PayloadTier and PayloadScore from the scoring phase become the item's
	// persisted outcome.
	PayloadTier  = "tier"
	PayloadScore = "score"
)

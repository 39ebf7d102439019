// Package recovery validates persisted checkpoint state on startup, heals
// stale in-flight phases, and computes the pending/completed sets that
// drive resume. Destructive resets go through here so the caller can see
// what would be lost first.
package recovery

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/checkpoint"
	"github.com/sells-group/listing-cli/internal/model"
)

// ValidationError explains why the persisted store cannot be used and what
// the operator should do about it.
type ValidationError struct {
	Reason     string
	Suggestion string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("recovery: %s (suggestion: %s)", e.Reason, e.Suggestion)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Manager wraps the checkpoint store with startup validation and resume-set
// computation.
type Manager struct {
	store *checkpoint.Store

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewManager creates a recovery manager over the given store.
func NewManager(store *checkpoint.Store) *Manager {
	return &Manager{store: store, nowFunc: time.Now}
}

// Store exposes the underlying checkpoint store.
func (m *Manager) Store() *checkpoint.Store { return m.store }

// LoadAndValidate loads the store and verifies it is usable: parseable,
// schema-compatible, and carrying the required fields. Corruption and
// incompatibility come back as a ValidationError with a remediation
// suggestion rather than a bare parse failure.
func (m *Manager) LoadAndValidate() error {
	if err := m.store.Load(); err != nil {
		switch {
		case eris.Is(err, checkpoint.ErrNotFound):
			return &ValidationError{
				Reason:     "no checkpoint store exists",
				Suggestion: "run with --fresh to start a new session",
				Err:        err,
			}
		case eris.Is(err, checkpoint.ErrSchemaNewer):
			return &ValidationError{
				Reason:     "store was written by a newer build",
				Suggestion: "upgrade listing-cli, or start fresh to discard it",
				Err:        err,
			}
		default:
			return &ValidationError{
				Reason:     "store is corrupt or unreadable",
				Suggestion: "start fresh (a backup of the broken file is kept)",
				Err:        err,
			}
		}
	}

	snap, err := m.store.Snapshot()
	if err != nil {
		return eris.Wrap(err, "recovery: snapshot")
	}
	if snap.Session.ID == "" {
		return &ValidationError{
			Reason:     "store has no session id",
			Suggestion: "start fresh",
		}
	}
	for id, item := range snap.Items {
		if item.Address == "" || len(item.Phases) == 0 {
			return &ValidationError{
				Reason:     fmt.Sprintf("work item %s is missing required fields", id),
				Suggestion: "start fresh",
			}
		}
	}
	return nil
}

// ResetStaleItems re-scans in-memory state for in_progress phases past the
// staleness threshold, force-resets them, and returns the affected
// addresses for operator visibility.
func (m *Manager) ResetStaleItems() ([]string, error) {
	healed, err := m.store.ResetStale()
	if err != nil {
		return nil, eris.Wrap(err, "recovery: reset stale items")
	}
	return healed, nil
}

// PendingAddresses returns the addresses resume should process: items not
// fully completed that either have no failure yet or only transient
// failures under the retry ceiling.
func (m *Manager) PendingAddresses() ([]string, error) {
	snap, err := m.store.Snapshot()
	if err != nil {
		return nil, eris.Wrap(err, "recovery: snapshot")
	}
	var pending []string
	for _, item := range snap.Items {
		if item.Retriable(m.store.MaxRetries()) {
			pending = append(pending, item.Address)
		}
	}
	sort.Strings(pending)
	return pending, nil
}

// CompletedAddresses returns the addresses whose every phase completed.
func (m *Manager) CompletedAddresses() ([]string, error) {
	snap, err := m.store.Snapshot()
	if err != nil {
		return nil, eris.Wrap(err, "recovery: snapshot")
	}
	var completed []string
	for _, item := range snap.Items {
		if item.Complete() {
			completed = append(completed, item.Address)
		}
	}
	sort.Strings(completed)
	return completed, nil
}

// ExhaustedAddresses returns the addresses failed past the retry ceiling —
// the ones needing manual attention rather than another resume pass.
func (m *Manager) ExhaustedAddresses() ([]string, error) {
	snap, err := m.store.Snapshot()
	if err != nil {
		return nil, eris.Wrap(err, "recovery: snapshot")
	}
	var exhausted []string
	for _, item := range snap.Items {
		if !item.Complete() && !item.Retriable(m.store.MaxRetries()) {
			exhausted = append(exhausted, item.Address)
		}
	}
	sort.Strings(exhausted)
	return exhausted, nil
}

// EstimateDataLoss counts fully-completed items in the existing store: the
// work a fresh start would discard. Returns 0 when no store exists.
func (m *Manager) EstimateDataLoss() (int, error) {
	if err := m.store.Load(); err != nil {
		if eris.Is(err, checkpoint.ErrNotFound) {
			return 0, nil
		}
		return 0, eris.Wrap(err, "recovery: load for loss estimate")
	}
	completed, err := m.CompletedAddresses()
	if err != nil {
		return 0, err
	}
	return len(completed), nil
}

// PrepareFreshStart backs up any existing store to a timestamped file and
// re-initializes a brand-new session over the given addresses. It returns
// the backup path, or "" when nothing existed to back up.
func (m *Manager) PrepareFreshStart(mode model.Mode, addresses []string) (string, error) {
	backupPath := ""
	prev, err := os.ReadFile(m.store.Path())
	switch {
	case err == nil:
		backupPath = fmt.Sprintf("%s.fresh-%s", m.store.Path(), m.nowFunc().UTC().Format("20060102T150405"))
		if err := os.WriteFile(backupPath, prev, 0o644); err != nil {
			return "", eris.Wrapf(err, "recovery: back up %s", m.store.Path())
		}
		zap.L().Info("recovery: backed up prior store",
			zap.String("backup", backupPath),
		)
	case os.IsNotExist(err):
		// First run, nothing to preserve.
	default:
		return "", eris.Wrapf(err, "recovery: read %s", m.store.Path())
	}

	if err := m.store.Initialize(mode, addresses); err != nil {
		return backupPath, eris.Wrap(err, "recovery: initialize fresh session")
	}
	return backupPath, nil
}

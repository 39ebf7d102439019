// Package checkpoint implements the durable work-item store: one JSON
// document holding the session, every work item with its per-phase states,
// and the derived summary. Every mutation is a whole-document
// read-modify-write followed by an atomic rename, which keeps crash recovery
// trivial at the item counts this tool handles.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/model"
)

// SchemaVersion is the major version stamped into every document. A stored
// document with a newer version fails fast rather than risk a lossy read.
const SchemaVersion = 2

// Sentinel errors surfaced by Load.
var (
	ErrNotFound    = eris.New("checkpoint: store file not found")
	ErrSchemaNewer = eris.New("checkpoint: store written by a newer schema version")
	ErrUnknownItem = eris.New("checkpoint: unknown work item")
)

// Failure describes why a phase failed. A nil *Failure on CheckpointComplete
// means success.
type Failure struct {
	Message  string
	Category string
}

// Document is the persisted store layout.
type Document struct {
	SchemaVersion int                        `json:"schema_version"`
	Session       model.Session              `json:"session"`
	Items         map[string]*model.WorkItem `json:"items"`
	Summary       model.Summary              `json:"summary"`
	SourceHealth  map[string]bool            `json:"source_health,omitempty"`
}

// Options tunes store behavior. Zero values pick the defaults.
type Options struct {
	// StaleThreshold is how long a phase may sit in_progress before Load
	// force-resets it to pending. Default 30m.
	StaleThreshold time.Duration

	// MaxRetries is the per-phase retry ceiling used when deriving item
	// status. Default 3.
	MaxRetries int

	// BackupCount is the rolling window of timestamped backups retained
	// next to the store file. Default 5.
	BackupCount int
}

func (o Options) withDefaults() Options {
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 30 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackupCount <= 0 {
		o.BackupCount = 5
	}
	return o
}

// Store is the single writer of work-item state. All mutation entry points
// are serialized internally; phase handlers may run concurrently but
// checkpoints never do.
type Store struct {
	path string
	opts Options

	mu  sync.Mutex
	doc *Document

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// Open creates a store handle for the given path. No I/O happens until
// Initialize or Load.
func Open(path string, opts Options) *Store {
	return &Store{
		path:    path,
		opts:    opts.withDefaults(),
		nowFunc: time.Now,
	}
}

// Path returns the store file location.
func (s *Store) Path() string { return s.path }

// Initialize creates a fresh session with one pending work item per address
// and persists it, replacing any prior item set. Duplicate addresses (after
// normalization) collapse to one item.
func (s *Store) Initialize(mode model.Mode, addresses []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc().UTC()
	items := make(map[string]*model.WorkItem, len(addresses))
	for _, addr := range addresses {
		item := model.NewWorkItem(addr)
		items[item.ID] = item
	}

	s.doc = &Document{
		SchemaVersion: SchemaVersion,
		Session:       model.NewSession(mode, len(items), now),
		Items:         items,
		SourceHealth:  make(map[string]bool),
	}
	return s.saveLocked()
}

// Load reads the store from disk. Before returning it force-resets every
// phase stuck in_progress past the staleness threshold — self-healing after
// an unclean death, with no explicit recovery step required from callers.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return eris.Wrapf(ErrNotFound, "%s", s.path)
		}
		return eris.Wrapf(err, "checkpoint: read %s", s.path)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return eris.Wrapf(err, "checkpoint: parse %s", s.path)
	}
	if doc.SchemaVersion > SchemaVersion {
		return eris.Wrapf(ErrSchemaNewer, "store is v%d, this build reads v%d", doc.SchemaVersion, SchemaVersion)
	}

	s.doc = &doc
	if healed := s.resetStaleLocked(); len(healed) > 0 {
		zap.L().Warn("checkpoint: reset stale in_progress phases",
			zap.Int("items", len(healed)),
			zap.Strings("addresses", healed),
		)
		if err := s.saveLocked(); err != nil {
			return err
		}
	}
	return nil
}

// ResetStale re-scans loaded state for stale in_progress phases, resets
// them, persists, and returns the affected addresses. A second line of
// defense beyond the reset Load already performs.
func (s *Store) ResetStale() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil, eris.New("checkpoint: store not loaded")
	}
	healed := s.resetStaleLocked()
	if len(healed) == 0 {
		return nil, nil
	}
	return healed, s.saveLocked()
}

// resetStaleLocked force-resets in_progress phases whose started_at exceeds
// the staleness threshold and returns the affected addresses.
func (s *Store) resetStaleLocked() []string {
	now := s.nowFunc().UTC()
	var healed []string
	for _, item := range s.doc.Items {
		touched := false
		for _, phase := range item.Phases {
			if phase.Status != model.StatusInProgress || phase.StartedAt == nil {
				continue
			}
			if now.Sub(*phase.StartedAt) <= s.opts.StaleThreshold {
				continue
			}
			phase.Status = model.StatusPending
			phase.StartedAt = nil
			reset := now
			phase.StaleResetAt = &reset
			touched = true
		}
		if touched {
			healed = append(healed, item.Address)
		}
	}
	sort.Strings(healed)
	return healed
}

// CheckpointStart records that a phase began: pending/failed → in_progress.
// Starting a completed or already-running phase is a programmer error and
// returns model.ErrInvalidTransition immediately.
func (s *Store) CheckpointStart(address, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ps, err := s.lookupLocked(address, phase)
	if err != nil {
		return err
	}
	if err := ps.Start(s.nowFunc().UTC()); err != nil {
		return eris.Wrapf(err, "checkpoint: start %s for %s", phase, item.Address)
	}
	return s.saveLocked()
}

// CheckpointComplete records a phase outcome: in_progress → completed when
// failure is nil, otherwise in_progress → failed with the error message and
// category recorded and the phase retry budget consumed.
func (s *Store) CheckpointComplete(address, phase string, failure *Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ps, err := s.lookupLocked(address, phase)
	if err != nil {
		return err
	}
	now := s.nowFunc().UTC()
	if failure == nil {
		if err := ps.Complete(now); err != nil {
			return eris.Wrapf(err, "checkpoint: complete %s for %s", phase, item.Address)
		}
	} else {
		if err := ps.Fail(now, failure.Message, failure.Category); err != nil {
			return eris.Wrapf(err, "checkpoint: fail %s for %s", phase, item.Address)
		}
		item.RetryCount++
		item.LogError(phase, failure.Message, failure.Category, now)
	}
	return s.saveLocked()
}

// SkipPhase marks a phase skipped with a reason (prerequisite gate failures)
// without consuming retry budget.
func (s *Store) SkipPhase(address, phase, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ps, err := s.lookupLocked(address, phase)
	if err != nil {
		return err
	}
	if err := ps.Skip(s.nowFunc().UTC(), reason); err != nil {
		return eris.Wrapf(err, "checkpoint: skip %s for %s", phase, item.Address)
	}
	return s.saveLocked()
}

// SetOutcome records the tier and score produced by the scoring phase.
func (s *Store) SetOutcome(address string, tier model.Tier, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.itemLocked(address)
	if err != nil {
		return err
	}
	item.Tier = tier
	item.Score = score
	return s.saveLocked()
}

// SetSourceHealth persists the per-source availability map for operator
// visibility. This mirrors (but is separate from) the in-memory breakers.
func (s *Store) SetSourceHealth(health map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return eris.New("checkpoint: store not loaded")
	}
	s.doc.SourceHealth = make(map[string]bool, len(health))
	for source, up := range health {
		s.doc.SourceHealth[source] = up
	}
	return s.saveLocked()
}

// Item returns a deep copy of one work item, status freshly recomputed.
func (s *Store) Item(address string) (*model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.itemLocked(address)
	if err != nil {
		return nil, err
	}
	item.Recompute(s.opts.MaxRetries, s.nowFunc().UTC())
	return copyItem(item), nil
}

// Snapshot returns a deep copy of the whole document with every item status
// and the summary freshly recomputed.
func (s *Store) Snapshot() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil, eris.New("checkpoint: store not loaded")
	}
	now := s.nowFunc().UTC()
	s.doc.Summary = model.ComputeSummary(s.doc.Items, s.opts.MaxRetries, now)

	snap := &Document{
		SchemaVersion: s.doc.SchemaVersion,
		Session:       s.doc.Session,
		Items:         make(map[string]*model.WorkItem, len(s.doc.Items)),
		Summary:       s.doc.Summary,
		SourceHealth:  make(map[string]bool, len(s.doc.SourceHealth)),
	}
	for id, item := range s.doc.Items {
		snap.Items[id] = copyItem(item)
	}
	for source, up := range s.doc.SourceHealth {
		snap.SourceHealth[source] = up
	}
	return snap, nil
}

// MaxRetries exposes the configured retry ceiling.
func (s *Store) MaxRetries() int { return s.opts.MaxRetries }

func (s *Store) lookupLocked(address, phase string) (*model.WorkItem, *model.PhaseState, error) {
	item, err := s.itemLocked(address)
	if err != nil {
		return nil, nil, err
	}
	ps, ok := item.Phases[phase]
	if !ok {
		return nil, nil, eris.Errorf("checkpoint: unknown phase %s", phase)
	}
	return item, ps, nil
}

func (s *Store) itemLocked(address string) (*model.WorkItem, error) {
	if s.doc == nil {
		return nil, eris.New("checkpoint: store not loaded")
	}
	item, ok := s.doc.Items[model.ItemID(address)]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownItem, "%s", address)
	}
	return item, nil
}

// saveLocked recomputes the summary, stamps last_checkpoint, and writes the
// document atomically: marshal to a sibling temp file, then rename over the
// store path. An I/O failure leaves the prior on-disk version intact.
func (s *Store) saveLocked() error {
	now := s.nowFunc().UTC()
	s.doc.Summary = model.ComputeSummary(s.doc.Items, s.opts.MaxRetries, now)
	s.doc.Session.LastCheckpoint = now

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return eris.Wrapf(err, "checkpoint: mkdir %s", filepath.Dir(s.path))
	}

	s.backupLocked(now)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "checkpoint: write %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "checkpoint: rename %s", s.path)
	}
	return nil
}

const backupTimeFormat = "20060102T150405.000000000"

// backupLocked copies the current on-disk document to a timestamped sibling
// and prunes the rolling window down to BackupCount. Backup failures are
// logged, never fatal — the primary save must not be blocked by them.
func (s *Store) backupLocked(now time.Time) {
	prev, err := os.ReadFile(s.path)
	if err != nil {
		return // nothing on disk yet
	}
	backup := fmt.Sprintf("%s.backup-%s", s.path, now.Format(backupTimeFormat))
	if err := os.WriteFile(backup, prev, 0o644); err != nil {
		zap.L().Warn("checkpoint: backup write failed", zap.String("path", backup), zap.Error(err))
		return
	}
	s.pruneBackupsLocked()
}

func (s *Store) pruneBackupsLocked() {
	pattern := s.path + ".backup-*"
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) <= s.opts.BackupCount {
		return
	}
	// Timestamped suffixes sort lexically in time order.
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-s.opts.BackupCount] {
		if !strings.HasPrefix(filepath.Base(old), filepath.Base(s.path)+".backup-") {
			continue
		}
		if err := os.Remove(old); err != nil {
			zap.L().Warn("checkpoint: backup prune failed", zap.String("path", old), zap.Error(err))
		}
	}
}

func copyItem(item *model.WorkItem) *model.WorkItem {
	dup := *item
	dup.Phases = make(map[string]*model.PhaseState, len(item.Phases))
	for name, ps := range item.Phases {
		p := *ps
		dup.Phases[name] = &p
	}
	dup.ErrorLog = append([]model.ErrorEntry(nil), item.ErrorLog...)
	return &dup
}

package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-cli/internal/checkpoint"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/resilience"
)

// ErrStrictFailure aborts a strict-mode batch after the first permanent
// failure has been recorded.
var ErrStrictFailure = eris.New("strict mode: permanent failure recorded")

// Options controls coordinator behavior for one batch run.
type Options struct {
	// Strict aborts the batch on the first permanently-failed phase, after
	// the failure checkpoint is written.
	Strict bool

	// PhaseTimeout bounds each handler invocation. Default: 5m.
	PhaseTimeout time.Duration

	// SourceTimeouts overrides PhaseTimeout for individual external
	// sources.
	SourceTimeouts map[string]time.Duration

	// Retry is the in-call backoff policy for external phases.
	Retry resilience.RetryConfig
}

// Coordinator walks each work item through the phase graph. It is the sole
// writer of checkpoint mutations: every phase start and outcome is persisted
// before and after the handler runs, so a crash at any point loses at most
// the phase in flight.
type Coordinator struct {
	store    *checkpoint.Store
	governor *resilience.Governor
	handlers map[string]Handler
	gates    map[string]GateValidator
	opts     Options
}

// NewCoordinator wires a coordinator over the store and governor. Every
// phase in the graph must have a handler.
func NewCoordinator(st *checkpoint.Store, gov *resilience.Governor, handlers []Handler, opts Options) (*Coordinator, error) {
	if opts.PhaseTimeout <= 0 {
		opts.PhaseTimeout = 5 * time.Minute
	}
	byPhase := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		byPhase[h.Name()] = h
	}
	for _, phase := range model.Phases {
		if _, ok := byPhase[phase]; !ok {
			return nil, eris.Errorf("pipeline: no handler for phase %s", phase)
		}
	}
	return &Coordinator{
		store:    st,
		governor: gov,
		handlers: byPhase,
		gates:    make(map[string]GateValidator),
		opts:     opts,
	}, nil
}

// SetGate installs a prerequisite gate for a phase.
func (c *Coordinator) SetGate(phase string, g GateValidator) {
	c.gates[phase] = g
}

// BatchReport summarizes one batch run.
type BatchReport struct {
	Processed int                 `json:"processed"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Results   map[string][]Result `json:"results"`
	Summary   model.Summary       `json:"summary"`
	Duration  time.Duration       `json:"duration"`
}

// ProcessBatch runs every given address through the pipeline, bounded by the
// governor's concurrency slots. Item failures are independent; only context
// cancellation or strict mode stops the batch early. The breaker availability
// map is persisted when the batch ends, however it ends.
func (c *Coordinator) ProcessBatch(ctx context.Context, addresses []string) (*BatchReport, error) {
	start := time.Now()
	report := &BatchReport{Results: make(map[string][]Result, len(addresses))}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)

	for _, address := range addresses {
		g.Go(func() error {
			if err := c.governor.Acquire(gCtx); err != nil {
				return err
			}
			defer c.governor.Release()

			results, itemErr := c.ProcessItem(gCtx, address)

			mu.Lock()
			report.Results[address] = results
			report.Processed++
			mu.Unlock()

			if itemErr != nil && (c.opts.Strict || eris.Is(itemErr, model.ErrInvalidTransition)) {
				return itemErr
			}
			return nil
		})
	}

	runErr := g.Wait()

	if healthErr := c.store.SetSourceHealth(c.governor.Availability()); healthErr != nil {
		zap.L().Warn("pipeline: persist source health", zap.Error(healthErr))
	}

	snap, err := c.store.Snapshot()
	if err != nil {
		return report, eris.Wrap(err, "pipeline: snapshot after batch")
	}
	report.Summary = snap.Summary
	report.Duration = time.Since(start)

	for _, address := range addresses {
		item, itemErr := c.store.Item(address)
		if itemErr != nil {
			continue
		}
		switch item.Status {
		case model.StatusCompleted:
			report.Succeeded++
		case model.StatusFailed:
			report.Failed++
		}
	}

	return report, runErr
}

// ProcessItem walks one address through the phase graph, resuming from
// whatever the checkpoint store already records. Returned results cover only
// the phases touched in this call.
func (c *Coordinator) ProcessItem(ctx context.Context, address string) ([]Result, error) {
	log := zap.L().With(zap.String("address", address))

	var results []Result
	record := func(r Result, err error) ([]Result, error) {
		results = append(results, r)
		return results, err
	}

	// 0_prefill.
	r, err := c.runPhase(ctx, address, model.PhasePrefill)
	if err != nil {
		return record(r, err)
	}
	results = append(results, r)
	if stop, stopErr := c.itemStopped(address); stopErr != nil || stop {
		return results, stopErr
	}
	if !r.Success && !r.Skipped {
		// Transient failure under budget; resume retries it.
		return results, nil
	}

	// 1a_listing ∥ 1b_photos. Failures are independent: both phases always
	// checkpoint, and one succeeding is never undone by the other failing.
	var parallelMu sync.Mutex
	var parallelErr error
	var wg sync.WaitGroup
	for _, phase := range []string{model.PhaseListing, model.PhasePhotos} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pr, phaseErr := c.runPhase(ctx, address, phase)
			parallelMu.Lock()
			results = append(results, pr)
			if phaseErr != nil && parallelErr == nil {
				parallelErr = phaseErr
			}
			parallelMu.Unlock()
		}()
	}
	wg.Wait()
	if parallelErr != nil {
		return results, parallelErr
	}
	if stop, stopErr := c.itemStopped(address); stopErr != nil || stop {
		return results, stopErr
	}
	// The gate must not see a transiently-failed listing or photos phase:
	// that would skip dedupe permanently where resume would have retried.
	ready, readyErr := c.phasesTerminal(address, model.PhaseListing, model.PhasePhotos)
	if readyErr != nil {
		return results, readyErr
	}
	if !ready {
		return results, nil
	}

	// 2_dedupe, behind its prerequisite gate.
	gateSkipped := false
	if gate, ok := c.gates[model.PhaseDedupe]; ok {
		item, itemErr := c.store.Item(address)
		if itemErr != nil {
			return results, itemErr
		}
		if !item.Phases[model.PhaseDedupe].Terminal() {
			if gateErr := gate.Validate(item); gateErr != nil {
				reason := gateErr.Error()
				if skipErr := c.store.SkipPhase(address, model.PhaseDedupe, reason); skipErr != nil {
					return results, skipErr
				}
				log.Info("pipeline: phase skipped",
					zap.String("phase", model.PhaseDedupe),
					zap.String("reason", reason),
				)
				results = append(results, Result{
					Phase:   model.PhaseDedupe,
					Key:     address,
					Skipped: true,
					Error:   reason,
				})
				gateSkipped = true
			}
		}
	}
	if !gateSkipped {
		r, err = c.runPhase(ctx, address, model.PhaseDedupe)
		if err != nil {
			return record(r, err)
		}
		results = append(results, r)
		if !r.Success && !r.Skipped {
			return results, nil
		}
	}
	if stop, stopErr := c.itemStopped(address); stopErr != nil || stop {
		return results, stopErr
	}

	// 3_killswitch.
	r, err = c.runPhase(ctx, address, model.PhaseKillSwitch)
	if err != nil {
		return record(r, err)
	}
	results = append(results, r)
	if stop, stopErr := c.itemStopped(address); stopErr != nil || stop {
		return results, stopErr
	}
	if !r.Success {
		return results, nil
	}

	if killed, reason := killVerdict(r.Payload); killed {
		if outErr := c.store.SetOutcome(address, model.TierKill, 0); outErr != nil {
			return results, outErr
		}
		if skipErr := c.store.SkipPhase(address, model.PhaseScore, "kill switch: "+reason); skipErr != nil {
			return results, skipErr
		}
		log.Info("pipeline: listing killed", zap.String("reason", reason))
		results = append(results, Result{
			Phase:   model.PhaseScore,
			Key:     address,
			Skipped: true,
			Error:   "kill switch: " + reason,
		})
		return results, nil
	}

	// 4_score.
	r, err = c.runPhase(ctx, address, model.PhaseScore)
	if err != nil {
		return record(r, err)
	}
	results = append(results, r)
	if r.Success && r.Payload != nil {
		tier, score := outcomeFromPayload(r.Payload)
		if tier != "" {
			if outErr := c.store.SetOutcome(address, tier, score); outErr != nil {
				return results, outErr
			}
			log.Info("pipeline: item scored",
				zap.String("tier", string(tier)),
				zap.Float64("score", score),
			)
		}
	}

	return results, nil
}

// runPhase executes one phase with checkpointing on every path. Phases
// already terminal are returned as-is without re-running.
func (c *Coordinator) runPhase(ctx context.Context, address, phase string) (Result, error) {
	h := c.handlers[phase]
	res := Result{Phase: phase, Key: address}

	item, err := c.store.Item(address)
	if err != nil {
		return res, err
	}
	state := item.Phases[phase]
	switch state.Status {
	case model.StatusCompleted:
		res.Success = true
		return res, nil
	case model.StatusSkipped:
		res.Skipped = true
		res.Error = state.Error
		return res, nil
	}

	if err := c.store.CheckpointStart(address, phase); err != nil {
		res.Error = err.Error()
		return res, err
	}

	start := time.Now()
	payload, runErr := c.invoke(ctx, h, item)
	res.Duration = time.Since(start)
	res.Payload = payload

	if runErr != nil {
		category := resilience.Classify(runErr)
		res.Error = runErr.Error()
		if cpErr := c.store.CheckpointComplete(address, phase, &checkpoint.Failure{
			Message:  runErr.Error(),
			Category: category,
		}); cpErr != nil {
			return res, cpErr
		}
		zap.L().Warn("pipeline: phase failed",
			zap.String("address", address),
			zap.String("phase", phase),
			zap.String("category", category),
			zap.Duration("duration", res.Duration),
			zap.Error(runErr),
		)
		if c.opts.Strict && category == model.CategoryPermanent {
			return res, eris.Wrapf(ErrStrictFailure, "%s on %s", phase, address)
		}
		return res, nil
	}

	if cpErr := c.store.CheckpointComplete(address, phase, nil); cpErr != nil {
		return res, cpErr
	}
	res.Success = true
	zap.L().Debug("pipeline: phase complete",
		zap.String("address", address),
		zap.String("phase", phase),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// invoke runs the handler under the phase timeout, through the governor for
// external sources, with handler panics converted to errors at the boundary.
func (c *Coordinator) invoke(ctx context.Context, h Handler, item *model.WorkItem) (payload map[string]any, err error) {
	timeout := c.opts.PhaseTimeout
	if d, ok := c.opts.SourceTimeouts[h.Source()]; ok && d > 0 {
		timeout = d
	}
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := func(ctx context.Context) (runErr error) {
		defer func() {
			if p := recover(); p != nil {
				runErr = eris.Errorf("pipeline: handler %s panicked: %v", h.Name(), p)
			}
		}()
		payload, runErr = h.Run(ctx, item)
		return runErr
	}

	if h.Source() == SourceLocal {
		err = run(phaseCtx)
		return payload, err
	}

	retry := c.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(h.Source(), h.Name())
	}
	err = resilience.Do(phaseCtx, retry, func(ctx context.Context) error {
		return c.governor.Execute(ctx, h.Source(), h.Target(item.Address), run)
	})
	return payload, err
}

// phasesTerminal reports whether every named phase is completed or skipped.
func (c *Coordinator) phasesTerminal(address string, phases ...string) (bool, error) {
	item, err := c.store.Item(address)
	if err != nil {
		return false, err
	}
	for _, phase := range phases {
		if !item.Phases[phase].Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// itemStopped reports whether the item has permanently failed and later
// phases should not be attempted in this run.
func (c *Coordinator) itemStopped(address string) (bool, error) {
	item, err := c.store.Item(address)
	if err != nil {
		return false, err
	}
	return item.Status == model.StatusFailed, nil
}

func killVerdict(payload map[string]any) (bool, string) {
	if payload == nil {
		return false, ""
	}
	killed, _ := payload[PayloadKill].(bool)
	reason, _ := payload[PayloadKillReason].(string)
	if killed && reason == "" {
		reason = "rule matched"
	}
	return killed, reason
}

func outcomeFromPayload(payload map[string]any) (model.Tier, float64) {
	tierStr, _ := payload[PayloadTier].(string)
	var score float64
	switch v := payload[PayloadScore].(type) {
	case float64:
		score = v
	case int:
		score = float64(v)
	}
	return model.Tier(tierStr), score
}

// FormatReport renders a human-readable batch summary.
func FormatReport(report *BatchReport) string {
	s := report.Summary
	out := fmt.Sprintf(
		"processed %d items in %s: %d completed, %d failed, %d in progress, %d pending\n",
		report.Processed, report.Duration.Round(time.Millisecond),
		s.Completed, s.Failed, s.InProgress, s.Pending,
	)
	if len(s.Tiers) > 0 {
		tiers := make([]string, 0, len(s.Tiers))
		for tier := range s.Tiers {
			tiers = append(tiers, tier)
		}
		sort.Strings(tiers)
		for _, tier := range tiers {
			out += fmt.Sprintf("  tier %s: %d\n", tier, s.Tiers[tier])
		}
	}
	return out
}

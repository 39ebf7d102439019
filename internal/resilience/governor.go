package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// GovernorConfig controls the concurrency governor.
type GovernorConfig struct {
	// MaxConcurrent bounds items in flight at once. Default: 5.
	MaxConcurrent int

	// SourceRate is requests-per-second allowed against each source.
	// Zero disables rate limiting.
	SourceRate float64

	// SourceBurst is the rate limiter burst size. Default: 1 when
	// SourceRate is set.
	SourceBurst int

	// SourceLimits overrides the default rate for individual sources.
	SourceLimits map[string]SourceLimit

	// Breaker configures the per-source circuit breakers.
	Breaker CircuitBreakerConfig

	// AggregatorThreshold is the systemic-failure skip threshold.
	AggregatorThreshold int
}

// SourceLimit is a per-source rate limit override.
type SourceLimit struct {
	Rate  float64
	Burst int
}

// DefaultGovernorConfig returns the standard governor settings.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		MaxConcurrent:       5,
		Breaker:             DefaultCircuitBreakerConfig(),
		AggregatorThreshold: DefaultAggregatorThreshold,
	}
}

// Governor is the single throttle point for phase-handler calls: a global
// concurrency semaphore, per-source rate limiters and circuit breakers, and
// the error-signature aggregator. One governor per orchestrator run.
type Governor struct {
	cfg        GovernorConfig
	sem        *semaphore.Weighted
	breakers   *SourceBreakers
	aggregator *ErrorAggregator

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGovernor creates a governor from cfg.
func NewGovernor(cfg GovernorConfig) *Governor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.SourceRate > 0 && cfg.SourceBurst <= 0 {
		cfg.SourceBurst = 1
	}
	return &Governor{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		breakers:   NewSourceBreakers(cfg.Breaker),
		aggregator: NewErrorAggregator(cfg.AggregatorThreshold),
	}
}

// Acquire claims one concurrency slot, blocking until one frees or ctx ends.
func (g *Governor) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a concurrency slot claimed by Acquire.
func (g *Governor) Release() {
	g.sem.Release(1)
}

// Execute runs fn against the named source and target, in order: systemic
// skip check, per-source rate limit wait, circuit breaker, then fn. Failures
// are recorded with the aggregator. The caller holds a concurrency slot.
func (g *Governor) Execute(ctx context.Context, source, target string, fn func(ctx context.Context) error) error {
	if g.aggregator.ShouldSkip(target) {
		return ErrSystemicFailure
	}

	if lim := g.limiter(source); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	err := g.breakers.Get(source).Execute(ctx, fn)
	if err != nil && ctx.Err() == nil {
		g.aggregator.Record(target, err)
	}
	return err
}

func (g *Governor) limiter(source string) *rate.Limiter {
	r, burst := g.cfg.SourceRate, g.cfg.SourceBurst
	if override, ok := g.cfg.SourceLimits[source]; ok {
		r, burst = override.Rate, override.Burst
		if burst <= 0 {
			burst = 1
		}
	}
	if r <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limiters == nil {
		g.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := g.limiters[source]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r), burst)
		g.limiters[source] = lim
	}
	return lim
}

// Breakers exposes the per-source breaker registry.
func (g *Governor) Breakers() *SourceBreakers {
	return g.breakers
}

// Availability returns source → whether calls would currently be attempted.
func (g *Governor) Availability() map[string]bool {
	return g.breakers.Availability()
}

// TopOffenders returns the n largest failure buckets from the aggregator.
func (g *Governor) TopOffenders(n int) []ErrorBucket {
	return g.aggregator.TopOffenders(n)
}

// SourceUnavailableSince reports how long the named source's circuit has
// been rejecting calls, or zero if it is available.
func (g *Governor) SourceUnavailableSince(source string, now time.Time) time.Duration {
	cb := g.breakers.Get(source)
	if cb.Available() {
		return 0
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return now.Sub(cb.lastFailureTime)
}

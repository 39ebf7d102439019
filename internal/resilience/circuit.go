// Package resilience provides the concurrency governor for phase-handler
// calls: per-source circuit breakers, exponential backoff with jitter,
// failure classification, and error-signature aggregation. Everything here
// is process-lifetime state, explicitly constructed per orchestrator run and
// rebuilt from scratch on restart.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state — calls flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means a run of consecutive failures — calls to the source
	// are rejected immediately, no network attempt, until the cooldown.
	CircuitOpen
	// CircuitHalfOpen permits trial calls after the cooldown.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the source's
// circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls per-source circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before permitting
	// half-open trial calls. Default: 30s.
	Cooldown time.Duration

	// SuccessThreshold is the run of consecutive successes while half-open
	// required to close the circuit again. Default: 1.
	SuccessThreshold int

	// ShouldTrip optionally limits which errors count toward the failure
	// threshold. If nil, every error counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called on every transition, with the source name.
	OnStateChange func(source string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults for flaky listing
// sources.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 1,
	}
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return cfg
}

// CircuitBreaker guards a single source. Sources are fully independent of
// each other; see SourceBreakers for the per-source registry.
type CircuitBreaker struct {
	source string
	cfg    CircuitBreakerConfig

	mu    sync.Mutex
	state CircuitState

	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a breaker for one source.
func NewCircuitBreaker(source string, cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		source:  source,
		cfg:     cfg.withDefaults(),
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Execute runs fn through the breaker. Returns ErrCircuitOpen without
// invoking fn when the circuit is open and the cooldown has not elapsed.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// State returns the current circuit state, accounting for an elapsed
// cooldown on an open circuit.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// Available reports whether calls to the source would currently be
// attempted (closed or half-open).
func (cb *CircuitBreaker) Available() bool {
	return cb.State() != CircuitOpen
}

// Reset forces the circuit back to closed. Used for manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	old := cb.state
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	if old != CircuitClosed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.source, old, CircuitClosed)
	}
}

// Counters returns the consecutive failure count and raw state for
// observability.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures, cb.state
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.Cooldown {
			cb.transition(CircuitHalfOpen)
			return nil
		}
		return eris.Wrapf(ErrCircuitOpen, "source %s", cb.source)
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(e error) bool { return e != nil }
	}

	if err == nil || !shouldTrip(err) {
		switch cb.state {
		case CircuitHalfOpen:
			cb.consecutiveSuccesses++
			if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
				cb.transition(CircuitClosed)
				cb.consecutiveFailures = 0
				cb.consecutiveSuccesses = 0
			}
		case CircuitClosed:
			cb.consecutiveFailures = 0
		}
		return
	}

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.nowFunc()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any half-open failure reopens and restarts the cooldown.
		cb.transition(CircuitOpen)
		cb.consecutiveSuccesses = 0
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.source, from, to)
	}
}

// SourceBreakers is the per-source circuit breaker registry.
type SourceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewSourceBreakers creates a registry that lazily builds one breaker per
// source name.
func NewSourceBreakers(cfg CircuitBreakerConfig) *SourceBreakers {
	return &SourceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for the named source, creating one if needed.
func (sb *SourceBreakers) Get(source string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[source]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if cb, ok = sb.breakers[source]; ok {
		return cb
	}
	cb = NewCircuitBreaker(source, sb.cfg)
	sb.breakers[source] = cb
	return cb
}

// Availability returns source → whether calls would currently be attempted.
// This feeds the persisted source_health map for operators.
func (sb *SourceBreakers) Availability() map[string]bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	avail := make(map[string]bool, len(sb.breakers))
	for source, cb := range sb.breakers {
		avail[source] = cb.Available()
	}
	return avail
}

// States returns a snapshot of all breaker states.
func (sb *SourceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for source, cb := range sb.breakers {
		states[source] = cb.State()
	}
	return states
}

package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGovernorLimitsConcurrency(t *testing.T) {
	g := NewGovernor(GovernorConfig{MaxConcurrent: 2})
	ctx := context.Background()

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(ctx); err != nil {
				t.Error(err)
				return
			}
			defer g.Release()

			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
		}()
	}
	wg.Wait()

	if p := atomic.LoadInt64(&peak); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
}

func TestGovernorSkipsSystemicTargets(t *testing.T) {
	g := NewGovernor(GovernorConfig{
		MaxConcurrent:       1,
		AggregatorThreshold: 2,
		Breaker:             CircuitBreakerConfig{FailureThreshold: 100},
	})
	ctx := context.Background()

	calls := 0
	fail := func(ctx context.Context) error {
		calls++
		return errors.New("404 dead path")
	}

	_ = g.Execute(ctx, "mls", "https://mls.example.com/listings/tx/1", fail)
	_ = g.Execute(ctx, "mls", "https://mls.example.com/listings/tx/2", fail)

	err := g.Execute(ctx, "mls", "https://mls.example.com/listings/tx/3", fail)
	if !errors.Is(err, ErrSystemicFailure) {
		t.Fatalf("err = %v, want ErrSystemicFailure", err)
	}
	if calls != 2 {
		t.Fatalf("skipped call still ran: calls = %d", calls)
	}

	top := g.TopOffenders(1)
	if len(top) != 1 || top[0].Count != 2 {
		t.Fatalf("top offenders = %+v", top)
	}
}

func TestGovernorBreakerRejectsPerSource(t *testing.T) {
	g := NewGovernor(GovernorConfig{
		MaxConcurrent: 1,
		Breaker:       CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute},
	})
	ctx := context.Background()

	_ = g.Execute(ctx, "mls", "target-a", func(ctx context.Context) error {
		return errors.New("boom")
	})

	err := g.Execute(ctx, "mls", "target-b", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}

	if err := g.Execute(ctx, "county", "target-c", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("county affected by mls breaker: %v", err)
	}

	avail := g.Availability()
	if avail["mls"] || !avail["county"] {
		t.Fatalf("availability = %v", avail)
	}
}

func TestGovernorRateLimiterWaits(t *testing.T) {
	g := NewGovernor(GovernorConfig{
		MaxConcurrent: 1,
		SourceRate:    50,
		SourceBurst:   1,
	})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := g.Execute(ctx, "mls", "t", func(ctx context.Context) error { return nil }); err != nil {
			t.Fatal(err)
		}
	}
	// Two waits at 50 rps ≈ 40ms.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("rate limiter did not pace calls: elapsed = %v", elapsed)
	}
}

func TestGovernorCancelledContextNotRecorded(t *testing.T) {
	g := NewGovernor(GovernorConfig{MaxConcurrent: 1, AggregatorThreshold: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = g.Execute(ctx, "mls", "t", func(ctx context.Context) error { return ctx.Err() })

	if g.aggregator.ShouldSkip("t") {
		t.Fatal("cancellation recorded as systemic failure")
	}
}

package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/checkpoint"
	"github.com/sells-group/listing-cli/internal/config"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/pipeline"
	"github.com/sells-group/listing-cli/internal/recovery"
	"github.com/sells-group/listing-cli/internal/resilience"
	"github.com/sells-group/listing-cli/internal/store"
)

// pipelineEnv holds the checkpoint store, recovery manager, governor,
// coordinator, and run history store needed by the run/batch/serve commands.
type pipelineEnv struct {
	Checkpoint *checkpoint.Store
	Recovery   *recovery.Manager
	Governor   *resilience.Governor
	Pipeline   *pipeline.Coordinator
	History    store.Store
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.History != nil {
		_ = pe.History.Close()
	}
}

// initEnv builds the full pipeline environment from config. Callers should
// defer env.Close().
func initEnv(ctx context.Context, strict bool) (*pipelineEnv, error) {
	cp := checkpoint.Open(cfg.Checkpoint.Path, checkpoint.Options{
		StaleThreshold: cfg.Checkpoint.StaleThreshold(),
		MaxRetries:     cfg.Checkpoint.MaxRetries,
		BackupCount:    cfg.Checkpoint.BackupCount,
	})

	sources, err := config.LoadSources(cfg.Sources)
	if err != nil {
		return nil, err
	}

	gov := resilience.NewGovernor(governorConfig(sources))

	coord, err := pipeline.NewCoordinator(cp, gov, pipeline.StubHandlers(cfg.Assets.Root), pipeline.Options{
		Strict:         strict,
		PhaseTimeout:   cfg.Batch.PhaseTimeout(),
		SourceTimeouts: sourceTimeouts(sources),
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: time.Duration(cfg.Retry.InitialBackoffMS) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Retry.MaxBackoffSecs) * time.Second,
			JitterFraction: cfg.Retry.JitterFraction,
		},
	})
	if err != nil {
		return nil, err
	}
	coord.SetGate(model.PhaseDedupe, &pipeline.DedupeGate{AssetRoot: cfg.Assets.Root})

	hist, err := initHistory(ctx)
	if err != nil {
		return nil, err
	}
	if err := hist.Migrate(ctx); err != nil {
		_ = hist.Close()
		return nil, eris.Wrap(err, "migrate history store")
	}

	return &pipelineEnv{
		Checkpoint: cp,
		Recovery:   recovery.NewManager(cp),
		Governor:   gov,
		Pipeline:   coord,
		History:    hist,
	}, nil
}

// governorConfig maps the breaker, batch, and per-source settings into one
// governor config. Breaker state changes are logged for operator visibility.
func governorConfig(sources *config.SourcesConfig) resilience.GovernorConfig {
	limits := make(map[string]resilience.SourceLimit, len(sources.Sources))
	for name, sc := range sources.Sources {
		limits[name] = resilience.SourceLimit{Rate: sc.RatePerSec, Burst: sc.Burst}
	}

	breaker := resilience.DefaultCircuitBreakerConfig()
	breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	breaker.Cooldown = time.Duration(cfg.Breaker.CooldownSecs) * time.Second
	breaker.SuccessThreshold = cfg.Breaker.SuccessThreshold
	breaker.OnStateChange = func(source string, from, to resilience.CircuitState) {
		zap.L().Warn("circuit breaker state change",
			zap.String("source", source),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return resilience.GovernorConfig{
		MaxConcurrent: cfg.Batch.MaxConcurrentItems,
		SourceRate:    sources.Defaults.RatePerSec,
		SourceBurst:   sources.Defaults.Burst,
		SourceLimits:  limits,
		Breaker:       breaker,
	}
}

// sourceTimeouts maps per-source call deadlines from sources.yaml.
func sourceTimeouts(sources *config.SourcesConfig) map[string]time.Duration {
	timeouts := make(map[string]time.Duration, len(sources.Sources))
	for name, sc := range sources.Sources {
		if sc.TimeoutSecs > 0 {
			timeouts[name] = sc.Timeout()
		}
	}
	return timeouts
}

// initHistory opens the run history store named by config.
func initHistory(ctx context.Context) (store.Store, error) {
	switch cfg.History.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.History.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.History.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.History.Pool.MaxConns,
			MinConns: cfg.History.Pool.MinConns,
		})
	default:
		return nil, eris.Errorf("unknown history driver %q (want sqlite or postgres)", cfg.History.Driver)
	}
}

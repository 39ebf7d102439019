// Package config loads application configuration from config.yaml and the
// LISTING_ environment, and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	History    HistoryConfig    `yaml:"history" mapstructure:"history"`
	Assets     AssetsConfig     `yaml:"assets" mapstructure:"assets"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Sources    string           `yaml:"sources" mapstructure:"sources"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// CheckpointConfig configures the checkpoint document.
type CheckpointConfig struct {
	Path         string `yaml:"path" mapstructure:"path"`
	MaxRetries   int    `yaml:"max_retries" mapstructure:"max_retries"`
	BackupCount  int    `yaml:"backup_count" mapstructure:"backup_count"`
	StaleMinutes int    `yaml:"stale_minutes" mapstructure:"stale_minutes"`
}

// HistoryConfig configures the run history store.
type HistoryConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig tunes the postgres connection pool.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// AssetsConfig configures photo asset storage.
type AssetsConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentItems int `yaml:"max_concurrent_items" mapstructure:"max_concurrent_items"`
	PhaseTimeoutSecs   int `yaml:"phase_timeout_secs" mapstructure:"phase_timeout_secs"`
}

// RetryConfig configures in-call backoff for external phases.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs   int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// BreakerConfig configures the per-source circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	SuccessThreshold int `yaml:"success_threshold" mapstructure:"success_threshold"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PhaseTimeout returns the per-phase handler deadline.
func (b BatchConfig) PhaseTimeout() time.Duration {
	return time.Duration(b.PhaseTimeoutSecs) * time.Second
}

// StaleThreshold returns the in_progress self-heal threshold.
func (c CheckpointConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleMinutes) * time.Minute
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LISTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("checkpoint.path", "checkpoint.json")
	v.SetDefault("checkpoint.max_retries", 3)
	v.SetDefault("checkpoint.backup_count", 5)
	v.SetDefault("checkpoint.stale_minutes", 30)
	v.SetDefault("history.driver", "sqlite")
	v.SetDefault("history.database_url", "listing-history.db")
	v.SetDefault("assets.root", "assets")
	v.SetDefault("batch.max_concurrent_items", 5)
	v.SetDefault("batch.phase_timeout_secs", 300)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_secs", 30)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown_secs", 30)
	v.SetDefault("breaker.success_threshold", 1)
	v.SetDefault("sources", "sources.yaml")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

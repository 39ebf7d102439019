package config

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// SourcesConfig holds per-source throttle settings loaded from sources.yaml.
type SourcesConfig struct {
	Defaults SourceConfig            `yaml:"defaults"`
	Sources  map[string]SourceConfig `yaml:"sources"`
}

// SourceConfig throttles one external source.
type SourceConfig struct {
	RatePerSec  float64 `yaml:"rate_per_sec"`
	Burst       int     `yaml:"burst"`
	TimeoutSecs int     `yaml:"timeout_secs"`
}

// Timeout returns the per-call deadline for the source.
func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// LoadSources reads per-source settings from a YAML file. A missing file is
// not an error; defaults apply to every source.
func LoadSources(path string) (*SourcesConfig, error) {
	cfg := &SourcesConfig{
		Defaults: SourceConfig{RatePerSec: 2, Burst: 1, TimeoutSecs: 60},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "config: read sources %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, eris.Wrapf(err, "config: parse sources %s", path)
	}

	// Fill gaps in per-source entries from the defaults.
	for name, sc := range cfg.Sources {
		if sc.RatePerSec == 0 {
			sc.RatePerSec = cfg.Defaults.RatePerSec
		}
		if sc.Burst == 0 {
			sc.Burst = cfg.Defaults.Burst
		}
		if sc.TimeoutSecs == 0 {
			sc.TimeoutSecs = cfg.Defaults.TimeoutSecs
		}
		cfg.Sources[name] = sc
	}

	return cfg, nil
}

// GetSource returns the config for a source, falling back to defaults.
func (c *SourcesConfig) GetSource(name string) SourceConfig {
	if sc, ok := c.Sources[name]; ok {
		return sc
	}
	return c.Defaults
}

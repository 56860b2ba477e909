package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the engine-wide tunables. Zero values are replaced by the
// defaults below, so an empty Config is a usable one.
type Config struct {
	// Workers is the size of the dispatch worker pool.
	Workers int

	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration

	// DefaultRetryBackoff is the RunTask re-enqueue delay for retryable
	// tasks that do not declare their own backoff period.
	DefaultRetryBackoff time.Duration

	// PauseRecheckDelay is how long a StartTask parked by a paused stage
	// waits before re-enqueueing itself.
	PauseRecheckDelay time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		PollInterval:        50 * time.Millisecond,
		DefaultRetryBackoff: time.Second,
		PauseRecheckDelay:   10 * time.Second,
	}
}

// yamlConfig is the on-disk shape: durations are Go duration strings
// ("150ms", "2s"), parsed explicitly.
type yamlConfig struct {
	Workers             int    `yaml:"workers"`
	PollInterval        string `yaml:"poll_interval"`
	DefaultRetryBackoff string `yaml:"default_retry_backoff"`
	PauseRecheckDelay   string `yaml:"pause_recheck_delay"`
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Config{Workers: raw.Workers}
	if cfg.PollInterval, err = parseDuration("poll_interval", raw.PollInterval); err != nil {
		return Config{}, err
	}
	if cfg.DefaultRetryBackoff, err = parseDuration("default_retry_backoff", raw.DefaultRetryBackoff); err != nil {
		return Config{}, err
	}
	if cfg.PauseRecheckDelay, err = parseDuration("pause_recheck_delay", raw.PauseRecheckDelay); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse config %s: %w", field, err)
	}
	return d, nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.DefaultRetryBackoff <= 0 {
		c.DefaultRetryBackoff = def.DefaultRetryBackoff
	}
	if c.PauseRecheckDelay <= 0 {
		c.PauseRecheckDelay = def.PauseRecheckDelay
	}
	return c
}

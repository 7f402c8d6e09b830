package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/citiesair/fidas-uplink/internal/adapters/citiesair"
	"github.com/citiesair/fidas-uplink/internal/adapters/fidas"
	"github.com/citiesair/fidas-uplink/internal/ports"
)

type Config struct {
	Pump      PumpConfig       `yaml:"pump"`
	Backoff   BackoffConfig    `yaml:"backoff"`
	Store     StoreConfig      `yaml:"store"`
	Fidas     fidas.Config     `yaml:"fidas"`
	State     StateConfig      `yaml:"state"`
	CitiesAir citiesair.Config `yaml:"citiesair"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

type PumpConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	GracePeriod  time.Duration `yaml:"grace_period"`
}

type BackoffConfig struct {
	Base    time.Duration `yaml:"base"`
	Ceiling time.Duration `yaml:"ceiling"`
	Jitter  float64       `yaml:"jitter"`
}

type StoreConfig struct {
	Dir      string `yaml:"dir"`
	Capacity int    `yaml:"capacity"`
}

type StateConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Pump.PollInterval == 0 {
		c.Pump.PollInterval = time.Minute
	}
	if c.Pump.MaxBatchSize == 0 {
		c.Pump.MaxBatchSize = 500
	}
	if c.Pump.GracePeriod == 0 {
		c.Pump.GracePeriod = 5 * time.Second
	}
	if c.Backoff.Base == 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Ceiling == 0 {
		c.Backoff.Ceiling = 5 * time.Minute
	}
	if c.Backoff.Jitter == 0 {
		c.Backoff.Jitter = 0.5
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "./data/store"
	}
	if c.Store.Capacity == 0 {
		c.Store.Capacity = 100_000
	}
	if c.State.Path == "" {
		c.State.Path = "./data/uplink.db"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}

	c.Fidas.ApplyDefaults()
	c.CitiesAir.ApplyDefaults()
}

func (c *Config) Validate() error {
	if c.Pump.PollInterval <= 0 {
		return fmt.Errorf("pump.poll_interval must be > 0")
	}
	if c.Pump.MaxBatchSize <= 0 {
		return fmt.Errorf("pump.max_batch_size must be > 0")
	}
	if c.Backoff.Base > c.Backoff.Ceiling {
		return fmt.Errorf("backoff.base must not exceed backoff.ceiling")
	}
	if c.Store.Capacity <= 0 {
		return fmt.Errorf("store.capacity must be > 0")
	}
	if err := c.Fidas.Validate(); err != nil {
		return fmt.Errorf("fidas config: %w", err)
	}
	if err := c.CitiesAir.Validate(); err != nil {
		return fmt.Errorf("citiesair config: %w", err)
	}
	return nil
}

// Policy projects the configuration into the pump's policy knobs.
func (c *Config) Policy() ports.Policy {
	return ports.Policy{
		PollInterval:   c.Pump.PollInterval,
		MaxBatchSize:   c.Pump.MaxBatchSize,
		GracePeriod:    c.Pump.GracePeriod,
		StoreCapacity:  c.Store.Capacity,
		BackoffBase:    c.Backoff.Base,
		BackoffCeiling: c.Backoff.Ceiling,
		BackoffJitter:  c.Backoff.Jitter,
	}
}

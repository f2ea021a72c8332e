// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package odsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for the sync core. Zero values fall back to
// the DefaultConfig values during Service construction.
type Config struct {
	// DatabasePath is the SQLite file backing the durable queue and
	// local cache. ":memory:" is valid for tests.
	DatabasePath string
	// BaseURL of the ODTrack server the gateway talks to.
	BaseURL string
	// HealthURL probed by the connectivity monitor. Defaults to
	// BaseURL + "/healthz".
	HealthURL string
	// UserID of the signed-in user; owns the device source ID.
	UserID string

	SyncInterval   time.Duration
	ProbeInterval  time.Duration
	RequestTimeout time.Duration

	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	RetryMultiplier        float64
	MaxConsecutiveFailures int

	// MaxAttempts is the per-item retry ceiling before a mutation is
	// parked as failed.
	MaxAttempts int
	// BatchSize bounds each dequeue page during a drain pass.
	BatchSize int
	// UnhealthyFailedCount is the parked-failure count at which queue
	// health reports unhealthy.
	UnhealthyFailedCount int
}

// DefaultConfig returns the production defaults for the mobile client.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:           "odsync.db",
		SyncInterval:           5 * time.Minute,
		ProbeInterval:          15 * time.Second,
		RequestTimeout:         30 * time.Second,
		RetryBaseDelay:         30 * time.Second,
		RetryMaxDelay:          30 * time.Minute,
		RetryMultiplier:        2.0,
		MaxConsecutiveFailures: 5,
		MaxAttempts:            5,
		BatchSize:              50,
		UnhealthyFailedCount:   5,
	}
}

// fileConfig is the YAML shape of a config file. Durations are written
// in Go duration syntax ("30s", "5m").
type fileConfig struct {
	DatabasePath string `yaml:"database_path"`
	BaseURL      string `yaml:"base_url"`
	HealthURL    string `yaml:"health_url"`
	UserID       string `yaml:"user_id"`

	SyncInterval   string `yaml:"sync_interval"`
	ProbeInterval  string `yaml:"probe_interval"`
	RequestTimeout string `yaml:"request_timeout"`

	RetryBaseDelay         string  `yaml:"retry_base_delay"`
	RetryMaxDelay          string  `yaml:"retry_max_delay"`
	RetryMultiplier        float64 `yaml:"retry_multiplier"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`

	MaxAttempts          int `yaml:"max_attempts"`
	BatchSize            int `yaml:"batch_size"`
	UnhealthyFailedCount int `yaml:"unhealthy_failed_count"`
}

// LoadConfig reads a YAML config file over the defaults. Fields absent
// from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := DefaultConfig()
	if fc.DatabasePath != "" {
		cfg.DatabasePath = fc.DatabasePath
	}
	cfg.BaseURL = fc.BaseURL
	cfg.HealthURL = fc.HealthURL
	cfg.UserID = fc.UserID
	if fc.RetryMultiplier > 0 {
		cfg.RetryMultiplier = fc.RetryMultiplier
	}
	if fc.MaxConsecutiveFailures > 0 {
		cfg.MaxConsecutiveFailures = fc.MaxConsecutiveFailures
	}
	if fc.MaxAttempts > 0 {
		cfg.MaxAttempts = fc.MaxAttempts
	}
	if fc.BatchSize > 0 {
		cfg.BatchSize = fc.BatchSize
	}
	if fc.UnhealthyFailedCount > 0 {
		cfg.UnhealthyFailedCount = fc.UnhealthyFailedCount
	}

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.SyncInterval, "sync_interval", &cfg.SyncInterval},
		{fc.ProbeInterval, "probe_interval", &cfg.ProbeInterval},
		{fc.RequestTimeout, "request_timeout", &cfg.RequestTimeout},
		{fc.RetryBaseDelay, "retry_base_delay", &cfg.RetryBaseDelay},
		{fc.RetryMaxDelay, "retry_max_delay", &cfg.RetryMaxDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// workerConfig projects the worker's slice of the config.
func (c *Config) workerConfig() WorkerConfig {
	return WorkerConfig{
		Interval:               c.SyncInterval,
		RetryBaseDelay:         c.RetryBaseDelay,
		RetryMaxDelay:          c.RetryMaxDelay,
		RetryMultiplier:        c.RetryMultiplier,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
	}
}

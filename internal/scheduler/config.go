package scheduler

import (
	"errors"
	"time"

	"github.com/nsxo/enterprise-telegram-bot/internal/config"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	// LockTTL bounds how long a crashed instance can hold a job's redis
	// lock before another instance takes over.
	LockTTL time.Duration

	// Recharge batches stay small: every item is a provider call.
	MaxRechargeBatchSize  int
	MaxAutocloseBatchSize int

	// EnabledJobs limits which jobs this instance runs. Empty means all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:           time.Minute,
		BatchSize:             50,
		LockTTL:               2 * time.Minute,
		MaxRechargeBatchSize:  25,
		MaxAutocloseBatchSize: 50,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.MaxRechargeBatchSize <= 0 {
		c.MaxRechargeBatchSize = defaults.MaxRechargeBatchSize
	}
	if c.MaxAutocloseBatchSize <= 0 {
		c.MaxAutocloseBatchSize = defaults.MaxAutocloseBatchSize
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: time.Duration(cfg.Scheduler.RunIntervalSeconds) * time.Second,
		BatchSize:   cfg.Scheduler.BatchSize,
		LockTTL:     time.Duration(cfg.Scheduler.LockTTLSeconds) * time.Second,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

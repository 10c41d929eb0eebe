package config

import (
	"time"

	"github.com/aristath/dispatch/internal/scheduler"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:    scheduler.DefaultConcurrency,
		ConflictLabels: append([]string(nil), scheduler.DefaultConflictLabels...),
		PollInterval:   Duration(5 * time.Second),
		ItemTimeout:    Duration(30 * time.Minute),
		BaseBranch:     "main",
		BranchPrefix:   "dispatch/",
		Starter: StarterConfig{
			Retry: RetryConfig{
				InitialInterval: Duration(200 * time.Millisecond),
				MaxInterval:     Duration(5 * time.Second),
				MaxElapsedTime:  Duration(30 * time.Second),
				Multiplier:      2.0,
			},
		},
		GateRetries:  3,
		GateTimeout:  Duration(10 * time.Minute),
		MaxOutput:    10000,
		DatabasePath: ".dispatch/dispatch.db",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

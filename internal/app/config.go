package app

import (
	"errors"
	"time"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	GridPath string // hcl files

	LogFormat   string
	LogLevel    string
	MetricsPort int

	Workers          int
	DefaultTimeout   time.Duration
	Retries          int
	RetryDelay       time.Duration
	StopOnFirstError bool
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.GridPath == "" {
		return nil, errors.New("GridPath is a required configuration field and cannot be empty")
	}
	if cfg.Workers <= 0 {
		return nil, errors.New("Workers must be a positive number")
	}

	return &cfg, nil
}

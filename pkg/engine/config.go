// Package engine wires the calculation engine together: storage, the task
// queue, the calculator, the worker and the HTTP API.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/tally/pkg/api"
	"github.com/ethpandaops/tally/pkg/calculator"
	"github.com/ethpandaops/tally/pkg/redis"
	"github.com/ethpandaops/tally/pkg/worker"
)

var (
	// ErrInvalidLogLevel is returned when the logging level is not recognised
	ErrInvalidLogLevel = errors.New("invalid logging level")
	// ErrInvalidSummaryTTL is returned when the summary cache ttl is negative
	ErrInvalidSummaryTTL = errors.New("summary ttl must not be negative")
)

// Config represents the complete engine configuration
type Config struct {
	// Core settings
	Logging         string `yaml:"logging" default:"info"`
	MetricsAddr     string `yaml:"metricsAddr" default:":9091"`
	HealthCheckAddr string `yaml:"healthCheckAddr"`
	PProfAddr       string `yaml:"pprofAddr"`

	Redis      redis.Config      `yaml:"redis"`
	Worker     worker.Config     `yaml:"worker"`
	Calculator calculator.Config `yaml:"calculator"`
	Summary    SummaryConfig     `yaml:"summary"`
	API        api.Config        `yaml:"api"`
}

// SummaryConfig controls caching of table summaries
type SummaryConfig struct {
	// TTL of a cached summary; zero keeps it until the table changes
	TTL time.Duration `yaml:"ttl" default:"1h"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Logging {
	case "panic", "fatal", "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging)
	}

	if c.Summary.TTL < 0 {
		return ErrInvalidSummaryTTL
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	if err := c.Calculator.Validate(); err != nil {
		return fmt.Errorf("calculator: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}

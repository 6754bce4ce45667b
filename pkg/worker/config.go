package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrInvalidConcurrency is returned when concurrency is not positive
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrQueueRequired is returned when no queue name is configured
	ErrQueueRequired = errors.New("queue name is required")
	// ErrInvalidRetryDelay is returned when the retry delays are not ordered
	ErrInvalidRetryDelay = errors.New("retry base delay must be positive and not exceed the max delay")
	// ErrInvalidSchedule is returned when the depth schedule does not parse
	ErrInvalidSchedule = errors.New("invalid depth schedule")
)

//nolint:gochecknoglobals // parser is stateless
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config contains worker-specific settings
type Config struct {
	Concurrency     int    `yaml:"concurrency" default:"10"`
	Queue           string `yaml:"queue" default:"tally"`
	ShutdownTimeout int    `yaml:"shutdownTimeout" default:"30"`
	// MaxRetry bounds how often a deferred task is retried before it fails for good
	MaxRetry       int           `yaml:"maxRetry" default:"25"`
	TaskTimeout    time.Duration `yaml:"taskTimeout" default:"10m"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay" default:"200ms"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay" default:"30s"`
	// DepthSchedule is the cron schedule sampling queue depth metrics; empty disables it
	DepthSchedule string `yaml:"depthSchedule" default:"@every 15s"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.Queue == "" {
		return ErrQueueRequired
	}

	if c.RetryBaseDelay <= 0 || c.RetryBaseDelay > c.RetryMaxDelay {
		return ErrInvalidRetryDelay
	}

	if c.DepthSchedule != "" {
		if _, err := scheduleParser.Parse(c.DepthSchedule); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
		}
	}

	return nil
}

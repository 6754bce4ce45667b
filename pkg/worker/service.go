// Package worker runs the asynq server that executes calculator tasks
package worker

import (
	"context"
	"fmt"
	"time"

	r "github.com/ethpandaops/tally/pkg/redis"
	"github.com/ethpandaops/tally/pkg/tasks"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Service defines the public interface for the worker service
type Service interface {
	// Start initializes and starts the worker service
	Start(ctx context.Context) error

	// Stop gracefully shuts down the worker service
	Stop() error
}

// DepthRecorder publishes the depth of the task queue
type DepthRecorder interface {
	RecordDepth() error
}

// service encapsulates the worker application logic
type service struct {
	config *Config
	log    logrus.FieldLogger

	executor tasks.Executor
	depth    DepthRecorder
	redisOpt *redis.Options

	server  *asynq.Server
	sampler *cron.Cron
}

// NewService creates a new worker service executing tasks with executor
func NewService(log logrus.FieldLogger, cfg *Config, executor tasks.Executor, depth DepthRecorder, redisOpt *redis.Options) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &service{
		log:      log.WithField("service", "worker"),
		config:   cfg,
		executor: executor,
		depth:    depth,
		redisOpt: redisOpt,
	}, nil
}

// Start initializes and starts the worker service
func (s *service) Start(_ context.Context) error {
	handler := tasks.NewTaskHandler(s.log, s.executor)

	srv := asynq.NewServer(r.AsynqOptions(s.redisOpt), asynq.Config{
		Concurrency:     s.config.Concurrency,
		Queues:          map[string]int{s.config.Queue: 10},
		RetryDelayFunc:  tasks.RetryDelay(s.config.RetryBaseDelay, s.config.RetryMaxDelay),
		ErrorHandler:    asynq.ErrorHandlerFunc(handler.HandleError),
		ShutdownTimeout: time.Duration(s.config.ShutdownTimeout) * time.Second,
		Logger:          newAsynqLogger(s.log),
	})

	mux := asynq.NewServeMux()
	for taskType, handlerFunc := range handler.Routes() {
		mux.HandleFunc(taskType, handlerFunc)
	}

	s.log.WithFields(logrus.Fields{
		"queue":       s.config.Queue,
		"concurrency": s.config.Concurrency,
	}).Info("Starting worker service")

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start worker server: %w", err)
	}

	s.server = srv

	if s.depth != nil && s.config.DepthSchedule != "" {
		s.sampler = cron.New(cron.WithParser(scheduleParser))

		if _, err := s.sampler.AddFunc(s.config.DepthSchedule, s.sampleDepth); err != nil {
			srv.Shutdown()
			return fmt.Errorf("failed to schedule queue depth sampling: %w", err)
		}

		s.sampler.Start()
	}

	return nil
}

func (s *service) sampleDepth() {
	if err := s.depth.RecordDepth(); err != nil {
		s.log.WithError(err).Debug("Failed to sample queue depth")
	}
}

// Stop gracefully shuts down the worker service
func (s *service) Stop() error {
	if s.sampler != nil {
		<-s.sampler.Stop().Done()
	}

	if s.server != nil {
		s.server.Shutdown()
	}

	s.log.Info("Worker service stopped successfully")

	return nil
}

// asynqLogger routes asynq's internal logging through logrus
type asynqLogger struct {
	log logrus.FieldLogger
}

func newAsynqLogger(log logrus.FieldLogger) *asynqLogger {
	return &asynqLogger{log: log.WithField("component", "asynq")}
}

func (l *asynqLogger) Debug(args ...any) { l.log.Debug(args...) }
func (l *asynqLogger) Info(args ...any)  { l.log.Info(args...) }
func (l *asynqLogger) Warn(args ...any)  { l.log.Warn(args...) }
func (l *asynqLogger) Error(args ...any) { l.log.Error(args...) }
func (l *asynqLogger) Fatal(args ...any) { l.log.Fatal(args...) }

var (
	_ Service      = (*service)(nil)
	_ asynq.Logger = (*asynqLogger)(nil)
)

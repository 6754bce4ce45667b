package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"time"

	"github.com/ethpandaops/tally/pkg/aggregations"
	"github.com/ethpandaops/tally/pkg/api"
	"github.com/ethpandaops/tally/pkg/calculator"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/ethpandaops/tally/pkg/formula"
	"github.com/ethpandaops/tally/pkg/observability"
	r "github.com/ethpandaops/tally/pkg/redis"
	"github.com/ethpandaops/tally/pkg/summary"
	"github.com/ethpandaops/tally/pkg/tasks"
	"github.com/ethpandaops/tally/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Service runs the calculation engine
type Service struct {
	config *Config
	log    *logrus.Logger

	store      *dataset.RedisStore
	queue      *tasks.QueueManager
	calculator *calculator.Calculator
	worker     worker.Service
	api        api.Service

	healthServer *http.Server
	pprofServer  *http.Server

	redisClient *redis.Client
}

// NewService creates the engine from cfg
func NewService(log *logrus.Logger, cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	redisOptions, err := cfg.Redis.Options()
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	redisClient := redis.NewClient(redisOptions)

	store := dataset.NewRedisStore(redisClient, cfg.Redis.PrefixKey("datasets"))
	catalog := aggregations.NewCatalog()
	summaries := summary.NewService(log, store, summary.NewRedisCache(redisClient, cfg.Redis.PrefixKey("summaries"), cfg.Summary.TTL))

	queue := tasks.NewQueueManager(r.AsynqOptions(redisOptions), cfg.Worker.Queue, cfg.Worker.MaxRetry, cfg.Worker.TaskTimeout)

	calc, err := calculator.New(log, &cfg.Calculator, store, formula.NewParser(catalog), catalog, queue, summaries)
	if err != nil {
		return nil, fmt.Errorf("failed to create calculator: %w", err)
	}

	workerService, err := worker.NewService(log, &cfg.Worker, calc, queue, redisOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker service: %w", err)
	}

	return &Service{
		log:    log,
		config: cfg,

		redisClient: redisClient,
		store:       store,
		queue:       queue,
		calculator:  calc,
		worker:      workerService,
		api:         api.NewService(&cfg.API, calc, store, summaries, log),
	}, nil
}

// Start connects to Redis and starts the worker and API
func (s *Service) Start(ctx context.Context) error {
	s.log.Info("Starting tally engine...")

	observability.StartMetricsServer(s.log, s.config.MetricsAddr)

	if s.config.HealthCheckAddr != "" {
		s.startHealthCheck()
	}

	if s.config.PProfAddr != "" {
		s.startPProf()
	}

	if err := s.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if err := s.worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	if err := s.api.Start(ctx); err != nil {
		return fmt.Errorf("failed to start API service: %w", err)
	}

	s.log.Info("Tally engine started successfully")

	return nil
}

// Stop gracefully shuts down the engine. The API goes first so no new work is
// accepted while the worker finishes its in-flight tasks.
func (s *Service) Stop() error {
	s.log.Info("Shutting down engine...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error

	stopService := func(name string, stopFunc func() error) {
		if err := stopFunc(); err != nil {
			s.log.WithError(err).Errorf("Failed to stop %s", name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	stopService("API service", s.api.Stop)
	stopService("worker service", s.worker.Stop)
	stopService("task queue", s.queue.Close)
	stopService("Redis client", s.redisClient.Close)

	if s.healthServer != nil {
		stopService("health check server", func() error { return s.healthServer.Shutdown(ctx) })
	}

	if s.pprofServer != nil {
		stopService("pprof server", func() error { return s.pprofServer.Shutdown(ctx) })
	}

	stopService("metrics server", func() error { return observability.StopMetricsServer(ctx) })

	return errors.Join(errs...)
}

func (s *Service) startHealthCheck() {
	s.log.WithField("addr", s.config.HealthCheckAddr).Info("Starting health check server")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
		if err := s.redisClient.Ping(req.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.healthServer = &http.Server{
		Addr:              s.config.HealthCheckAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Health check server failed")
		}
	}()
}

func (s *Service) startPProf() {
	s.log.WithField("addr", s.config.PProfAddr).Info("Starting pprof server")

	s.pprofServer = &http.Server{
		Addr:              s.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	go func() {
		if err := s.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Pprof server failed")
		}
	}()
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ethpandaops/tally/pkg/api/handlers"
	"github.com/ethpandaops/tally/pkg/dataset"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// Service defines the API service interface
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

type service struct {
	app        *fiber.App
	config     *Config
	calculator handlers.Calculator
	store      dataset.Store
	summaries  handlers.Summaries
	log        logrus.FieldLogger
}

// NewService creates a new API service
func NewService(cfg *Config, calc handlers.Calculator, store dataset.Store, summaries handlers.Summaries, log logrus.FieldLogger) Service {
	return &service{
		config:     cfg,
		calculator: calc,
		store:      store,
		summaries:  summaries,
		log:        log.WithField("service", "api"),
	}
}

// NewApp builds the Fiber app with every route mounted under /api/v1
func NewApp(cfg *Config, calc handlers.Calculator, store dataset.Store, summaries handlers.Summaries, log logrus.FieldLogger) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		AppName:      "tally",
		BodyLimit:    cfg.BodyLimit,
	})

	setupMiddleware(app, log)

	handlers.NewServer(calc, store, summaries, log).Register(app.Group("/api/v1"))

	return app
}

// Start starts the API server
func (s *service) Start(_ context.Context) error {
	if !s.config.Enabled {
		s.log.Info("API service is disabled")
		return nil
	}

	s.app = NewApp(s.config, s.calculator, s.store, s.summaries, s.log)

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	go func() {
		s.log.WithField("addr", s.config.Addr).Info("Starting API server")

		if err := s.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true}); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.WithError(err).Error("API server stopped with error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server
func (s *service) Stop() error {
	if s.app == nil {
		return nil
	}

	s.log.Info("Stopping API server")

	if err := s.app.ShutdownWithTimeout(10 * time.Second); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/surgilog/bloodloss/internal/api"
	"github.com/surgilog/bloodloss/internal/app/estimator"
	"github.com/surgilog/bloodloss/internal/app/runner"
	"github.com/surgilog/bloodloss/internal/health"
	"github.com/surgilog/bloodloss/internal/infra/notifier"
	"github.com/surgilog/bloodloss/internal/infra/sqlite"
	"github.com/surgilog/bloodloss/internal/logger"
)

// InterruptedReason is recorded on tasks left unfinished by a previous run.
const InterruptedReason = "interrupted by restart"

// Daemon is the service runtime. It wires together all components.
type Daemon struct {
	Config    Config
	DB        *sqlite.DB
	Estimator *estimator.Estimator
	Notifier  *notifier.Notifier
	Runner    *runner.Runner
	Health    *health.Checker
	Server    *api.Server

	log zerolog.Logger
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Open SQLite
	db, err := sqlite.Open(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	est := estimator.New(nil)
	n := notifier.New(cfg.NotifierConfig())
	rn := runner.New(db, est, n, cfg.RunnerConfig())
	checker := health.NewChecker(db, cfg.Storage.Dir, cfg.MainService.URL)

	srv := api.NewServer(rn, db)
	srv.SetDirectUpdate(n, cfg.MainService.APIKey)
	srv.SetHealth(checker)

	// Enable Prometheus /metrics if configured
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}

	return &Daemon{
		Config:    cfg,
		DB:        db,
		Estimator: est,
		Notifier:  n,
		Runner:    rn,
		Health:    checker,
		Server:    srv,
		log:       logger.Component("daemon"),
	}, nil
}

// Serve runs the HTTP server and background services until ctx is cancelled,
// then shuts down gracefully: the server stops accepting requests and the
// runner drains in-flight tasks, both bounded by api.shutdown_timeout.
func (d *Daemon) Serve(ctx context.Context) error {
	n, err := d.DB.FailInterrupted(ctx, InterruptedReason)
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if n > 0 {
		d.log.Warn().Int64("tasks", n).Msg("marked tasks from previous run as failed")
	}

	addr := d.Config.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Health checker (always runs)
	g.Go(func() error {
		d.Health.Run(gctx)
		return nil
	})

	g.Go(func() error {
		d.log.Info().
			Str("addr", addr).
			Str("main_service", d.Config.MainService.URL).
			Bool("metrics", d.Config.API.Metrics).
			Msg("serving")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		d.log.Info().Msg("shutting down")

		timeout := parseDuration(d.Config.API.ShutdownTimeout, 30*time.Second)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := d.Runner.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("runner shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() error {
	if d.Runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Runner.Shutdown(ctx)
	}
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/upb/upgrade-pipeline/app"
	"github.com/upb/upgrade-pipeline/config"
	"github.com/upb/upgrade-pipeline/internal/observability"
	"github.com/upb/upgrade-pipeline/routes"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.New(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("upgrade pipeline starting",
		zap.String("environment", cfg.Environment),
		zap.String("addr", cfg.Server.Address()),
		zap.Int("categories", len(cfg.Audit.Categories)),
		zap.Int("backends", len(cfg.Executor.Backends)),
		zap.Bool("persistence", cfg.Database != nil))

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}

	if err := deps.Start(ctx); err != nil {
		_ = deps.Close(context.Background())
		return fmt.Errorf("starting background jobs: %w", err)
	}

	return serve(ctx, newServer(cfg, routes.SetupRoutes(deps)), deps, cfg.Server.ShutdownTimeout, logger)
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		// Zero keeps the event stream open; API routes carry their own timeout
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
}

// serve runs srv until ctx is cancelled or the listener fails, then drains
// in-flight requests and closes deps within shutdownTimeout.
func serve(ctx context.Context, srv *http.Server, deps *app.Dependencies, shutdownTimeout time.Duration, logger *zap.Logger) error {
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Event streams end when the bus closes, so Shutdown does not wait on them
	srv.RegisterOnShutdown(func() { deps.Bus.Close() })

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}

	if err := deps.Close(shutdownCtx); err != nil {
		logger.Error("dependency shutdown error", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}

	if runErr == nil {
		logger.Info("server stopped gracefully")
	}
	return runErr
}

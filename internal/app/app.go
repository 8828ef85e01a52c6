package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pulseproof/pulseproof/internal/config"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/services"
)

type App struct {
	config *config.Config
}

func New(cfg *config.Config) *App {
	return &App{
		config: cfg,
	}
}

func (a *App) Run(ctx context.Context) error {
	return run(ctx, a.config)
}

func run(mainContext context.Context, cfg *config.Config) error {
	logger, err := logging.NewLogger(logging.WithLogLevel(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting pulseproof", cfg.LogConfigurationSummary()...)

	ctx, cancel := context.WithCancel(mainContext)
	defer cancel()

	builder := services.NewBuilder(ctx, cfg, logger)
	if err := builder.BuildWorkers(); err != nil {
		logger.Error("failed to build workers", zap.Error(err))
		return err
	}
	supervisor := builder.Supervisor()

	// Handle sigterm and await termChan signal
	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)

	// Run workers in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- supervisor.Run(ctx)
	}()

	// Wait for either termination signal or worker failure
	var exitErr error
	select {
	case <-termChan:
		logger.Info("shutdown signal received")
		cancel() // Cancel context to trigger graceful shutdown
		err := <-errChan
		// context.Canceled is expected during graceful shutdown
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("error during graceful shutdown", zap.Error(err))
			exitErr = err
		}
	case err := <-errChan:
		// Workers exited unexpectedly
		if err != nil {
			logger.Error("workers exited unexpectedly", zap.Error(err))
			exitErr = err
		}
	}

	// Run cleanup functions
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	builder.Cleanup(shutdownCtx)

	logger.Info("pulseproof shutdown complete")

	return exitErr
}

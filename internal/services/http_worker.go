package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/worker"
)

const httpShutdownTimeout = 10 * time.Second

// HTTPServerWorker runs an HTTP server as a supervised worker with graceful
// shutdown on cancellation.
type HTTPServerWorker struct {
	server *http.Server
	logger *logging.Logger
}

var _ worker.Worker = &HTTPServerWorker{}

func NewHTTPServerWorker(server *http.Server, logger *logging.Logger) *HTTPServerWorker {
	return &HTTPServerWorker{server: server, logger: logger}
}

func (w *HTTPServerWorker) Name() string { return "http-server" }

func (w *HTTPServerWorker) Run(ctx context.Context) error {
	logger := w.logger.Ctx(ctx)
	logger.Info("http server listening", zap.String("addr", w.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := w.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
			return err
		}
		logger.Info("http server shut down")
		return nil
	case err := <-errCh:
		return err
	}
}

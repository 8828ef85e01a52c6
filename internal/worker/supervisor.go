package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulseproof/pulseproof/internal/logging"
)

// Supervisor runs a set of workers and tracks their health. A failed worker
// is marked in the tracker but does not bring down its siblings; the health
// endpoint reports the degradation and the orchestrator decides.
type Supervisor struct {
	logger          *logging.Logger
	health          *HealthTracker
	shutdownTimeout time.Duration

	mu      sync.Mutex
	workers []Worker
	names   map[string]struct{}
}

type SupervisorOption func(*Supervisor)

// WithShutdownTimeout bounds how long Run waits for workers to stop after
// cancellation. Zero waits indefinitely.
func WithShutdownTimeout(timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.shutdownTimeout = timeout }
}

func NewSupervisor(logger *logging.Logger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger: logger,
		health: NewHealthTracker(),
		names:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a worker. Worker names must be unique.
func (s *Supervisor) Register(w Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.names[w.Name()]; exists {
		return fmt.Errorf("worker %s already registered", w.Name())
	}
	s.names[w.Name()] = struct{}{}
	s.workers = append(s.workers, w)
	return nil
}

func (s *Supervisor) Health() *HealthTracker {
	return s.health
}

// Run starts every registered worker and blocks until the context is
// cancelled and workers have stopped, or until all workers have exited on
// their own. Returns an error only when the shutdown timeout is exceeded.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	workers := append([]Worker(nil), s.workers...)
	s.mu.Unlock()

	if len(workers) == 0 {
		s.logger.Ctx(ctx).Warn("supervisor has no workers")
		return nil
	}
	s.logger.Ctx(ctx).Info("starting workers", zap.Int("count", len(workers)))

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			s.runOne(ctx, w)
		}(w)
	}

	select {
	case <-ctx.Done():
		s.logger.Ctx(context.Background()).Info("shutting down workers")
		return s.wait(&wg)
	case <-done(&wg):
		s.logger.Ctx(ctx).Warn("all workers exited")
		return nil
	}
}

func (s *Supervisor) runOne(ctx context.Context, w Worker) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Ctx(ctx).Error("worker panicked",
				zap.String("worker", w.Name()),
				zap.Any("panic", r))
			s.health.MarkFailed(w.Name())
		}
	}()

	s.logger.Ctx(ctx).Info("worker starting", zap.String("worker", w.Name()))
	s.health.MarkRunning(w.Name())

	err := w.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Ctx(ctx).Error("worker failed",
			zap.String("worker", w.Name()),
			zap.Error(err))
		s.health.MarkFailed(w.Name())
		return
	}
	s.logger.Ctx(ctx).Info("worker stopped", zap.String("worker", w.Name()))
	s.health.MarkStopped(w.Name())
}

func (s *Supervisor) wait(wg *sync.WaitGroup) error {
	if s.shutdownTimeout <= 0 {
		wg.Wait()
		return nil
	}
	select {
	case <-done(wg):
		return nil
	case <-time.After(s.shutdownTimeout):
		return fmt.Errorf("workers did not stop within %s", s.shutdownTimeout)
	}
}

func done(wg *sync.WaitGroup) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}

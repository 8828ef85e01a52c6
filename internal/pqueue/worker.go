package pqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency   = 4
	defaultPollInterval  = 250 * time.Millisecond
	defaultSweepInterval = 5 * time.Minute
	deliveryBatch        = 8
)

// ProcessFunc delivers one dequeued item. A returned error requeues the item
// with backoff; a panic dead-letters it as poison.
type ProcessFunc func(ctx context.Context, item *models.QueueItem) error

type PoolOption func(*Pool)

func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

func WithPollInterval(interval time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = interval }
}

func WithSweepInterval(interval time.Duration) PoolOption {
	return func(p *Pool) { p.sweepInterval = interval }
}

// Pool runs delivery workers over every known channel. Each worker round
// robins the channel set, draining ready items through the process func.
type Pool struct {
	queue         *Queue
	process       ProcessFunc
	logger        *logging.Logger
	concurrency   int
	pollInterval  time.Duration
	sweepInterval time.Duration
}

func NewPool(queue *Queue, process ProcessFunc, logger *logging.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:         queue,
		process:       process,
		logger:        logger,
		concurrency:   defaultConcurrency,
		pollInterval:  defaultPollInterval,
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		group.Go(func() error {
			return p.runWorker(ctx, worker)
		})
	}
	group.Go(func() error {
		return p.runSweeper(ctx)
	})
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (p *Pool) runWorker(ctx context.Context, worker int) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		drained, err := p.drainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Ctx(ctx).Error("delivery worker poll failed",
				zap.Int("worker", worker),
				zap.Error(err))
		}
		if drained {
			// More work may be ready; poll again immediately.
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// drainOnce visits every channel once and reports whether anything was
// processed.
func (p *Pool) drainOnce(ctx context.Context) (bool, error) {
	channels, err := p.queue.Channels(ctx)
	if err != nil {
		return false, err
	}
	processed := false
	for _, channel := range channels {
		if ctx.Err() != nil {
			return processed, nil
		}
		items, err := p.queue.Dequeue(ctx, channel, deliveryBatch)
		if err != nil {
			return processed, err
		}
		for _, item := range items {
			if ctx.Err() != nil {
				return processed, nil
			}
			processed = true
			p.handle(ctx, item)
		}
	}
	return processed, nil
}

func (p *Pool) handle(ctx context.Context, item *models.QueueItem) {
	err := p.safeProcess(ctx, item)
	if err == nil {
		return
	}

	var poison *poisonError
	if errors.As(err, &poison) {
		if dlErr := p.queue.DeadLetter(ctx, item, models.DeadLetterReasonPoison); dlErr != nil {
			p.logger.Ctx(ctx).Error("failed to dead letter poison item",
				zap.String("notification_id", item.NotificationID),
				zap.Error(dlErr))
		}
		return
	}

	p.logger.Ctx(ctx).Warn("delivery attempt failed",
		zap.String("notification_id", item.NotificationID),
		zap.String("channel", item.Channel),
		zap.Int("retry_count", item.RetryCount),
		zap.Error(err))
	if reqErr := p.queue.Requeue(ctx, item); reqErr != nil {
		p.logger.Ctx(ctx).Error("failed to requeue item",
			zap.String("notification_id", item.NotificationID),
			zap.Error(reqErr))
	}
}

type poisonError struct {
	value any
}

func (e *poisonError) Error() string {
	return fmt.Sprintf("delivery handler panicked: %v", e.value)
}

func (p *Pool) safeProcess(ctx context.Context, item *models.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &poisonError{value: r}
		}
	}()
	return p.process(ctx, item)
}

func (p *Pool) runSweeper(ctx context.Context) error {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		channels, err := p.queue.Channels(ctx)
		if err != nil {
			p.logger.Ctx(ctx).Error("expiry sweep failed", zap.Error(err))
			continue
		}
		for _, channel := range channels {
			moved, err := p.queue.ProcessExpired(ctx, channel)
			if err != nil {
				p.logger.Ctx(ctx).Error("expiry sweep failed",
					zap.String("channel", channel),
					zap.Error(err))
				continue
			}
			if moved > 0 {
				p.logger.Ctx(ctx).Info("expired items dead lettered",
					zap.String("channel", channel),
					zap.Int("count", moved))
			}
		}
	}
}

package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pulseproof/pulseproof/internal/eventbus"
	"github.com/pulseproof/pulseproof/internal/eventschema"
	"github.com/pulseproof/pulseproof/internal/idgen"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/models"
)

const defaultProgressInterval = 100

// ReplayProducer is the subset of the bus producer a replay needs.
type ReplayProducer interface {
	Produce(ctx context.Context, topic string, payload []byte, key string) error
}

// ReplayConfig selects the historical range and controls how events are
// re-emitted. SourceTopics filters on the topic the event was originally
// produced to; TargetTopics overrides where replayed events land.
type ReplayConfig struct {
	SourceTopics []string  `json:"source_topics,omitempty"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	EventTypes   []string  `json:"event_types,omitempty"`
	OrgIDs       []string  `json:"org_ids,omitempty"`
	SiteIDs      []string  `json:"site_ids,omitempty"`
	TargetTopics []string  `json:"target_topics,omitempty"`
	Validate     bool      `json:"validate"`
	Migrate      bool      `json:"migrate"`
	// ProgressInterval is the number of processed events between progress
	// callbacks. Zero uses the default.
	ProgressInterval int `json:"progress_interval,omitempty"`
}

// Progress is a point-in-time snapshot of a running replay.
type Progress struct {
	ReplayID   string        `json:"replay_id"`
	Total      int64         `json:"total"`
	Processed  int64         `json:"processed"`
	Successful int64         `json:"successful"`
	Failed     int64         `json:"failed"`
	Skipped    int64         `json:"skipped"`
	StartTime  time.Time     `json:"start_time"`
	ETA        time.Duration `json:"eta,omitempty"`
}

// Summary is the final accounting of a replay run.
type Summary struct {
	ReplayID   string        `json:"replay_id"`
	Total      int64         `json:"total"`
	Processed  int64         `json:"processed"`
	Successful int64         `json:"successful"`
	Failed     int64         `json:"failed"`
	Skipped    int64         `json:"skipped"`
	Stopped    bool          `json:"stopped"`
	Duration   time.Duration `json:"duration"`
}

type ProgressFunc func(Progress)

type ReplayOption func(*Replayer)

// WithProgressFunc installs a callback invoked on the progress interval and
// once at completion.
func WithProgressFunc(fn ProgressFunc) ReplayOption {
	return func(r *Replayer) { r.progress = fn }
}

// Replayer streams a historical range out of the store and republishes it
// onto the bus. One Replayer runs one replay.
type Replayer struct {
	ID       string
	store    Store
	producer ReplayProducer
	registry *eventschema.Registry
	logger   *logging.Logger
	progress ProgressFunc

	stopped atomic.Bool
}

func NewReplayer(store Store, producer ReplayProducer, registry *eventschema.Registry, logger *logging.Logger, opts ...ReplayOption) *Replayer {
	r := &Replayer{
		ID:       idgen.Replay(),
		store:    store,
		producer: producer,
		registry: registry,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stop requests the replay halt after the in-flight event. Safe to call from
// any goroutine, including the progress callback.
func (r *Replayer) Stop() {
	r.stopped.Store(true)
}

// Run executes the replay to completion, stop, or context cancellation and
// returns the summary.
func (r *Replayer) Run(ctx context.Context, config ReplayConfig) (*Summary, error) {
	filter := &Filter{
		EventTypes: config.EventTypes,
		From:       config.From,
		To:         config.To,
	}
	if len(config.OrgIDs) == 1 {
		filter.OrganizationID = config.OrgIDs[0]
	}
	if len(config.SiteIDs) == 1 {
		filter.SiteID = config.SiteIDs[0]
	}

	counted, err := r.store.Query(ctx, &Filter{
		EventTypes:     filter.EventTypes,
		OrganizationID: filter.OrganizationID,
		SiteID:         filter.SiteID,
		From:           filter.From,
		To:             filter.To,
		Limit:          1,
	})
	if err != nil {
		return nil, fmt.Errorf("count replay range: %w", err)
	}

	interval := config.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}

	events, err := r.store.Stream(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("stream replay range: %w", err)
	}

	start := time.Now()
	progress := Progress{
		ReplayID:  r.ID,
		Total:     int64(counted.TotalCount),
		StartTime: start,
	}
	r.logger.Ctx(ctx).Info("replay started",
		zap.String("replay_id", r.ID),
		zap.Int64("total", progress.Total),
		zap.Time("from", config.From),
		zap.Time("to", config.To))

	stopped := false
	for event := range events {
		if r.stopped.Load() || ctx.Err() != nil {
			stopped = true
			break
		}
		progress.Processed++

		if !r.matchesConfig(event, &config) {
			progress.Skipped++
		} else if err := r.republish(ctx, event, &config); err != nil {
			progress.Failed++
			r.logger.Ctx(ctx).Warn("replay event failed",
				zap.String("replay_id", r.ID),
				zap.String("event_id", event.ID),
				zap.Error(err))
		} else {
			progress.Successful++
		}

		if progress.Processed%int64(interval) == 0 {
			r.emit(progress, start)
		}
	}

	r.emit(progress, start)
	summary := &Summary{
		ReplayID:   r.ID,
		Total:      progress.Total,
		Processed:  progress.Processed,
		Successful: progress.Successful,
		Failed:     progress.Failed,
		Skipped:    progress.Skipped,
		Stopped:    stopped,
		Duration:   time.Since(start),
	}
	r.logger.Ctx(ctx).Info("replay finished",
		zap.String("replay_id", r.ID),
		zap.Int64("processed", summary.Processed),
		zap.Int64("successful", summary.Successful),
		zap.Int64("failed", summary.Failed),
		zap.Int64("skipped", summary.Skipped),
		zap.Bool("stopped", summary.Stopped),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

// matchesConfig applies the multi-value predicates the store filter cannot
// express in a single pass.
func (r *Replayer) matchesConfig(event *models.Event, config *ReplayConfig) bool {
	if len(config.OrgIDs) > 1 && !contains(config.OrgIDs, event.OrganizationID) {
		return false
	}
	if len(config.SiteIDs) > 1 && !contains(config.SiteIDs, event.SiteID) {
		return false
	}
	if len(config.SourceTopics) > 0 && !contains(config.SourceTopics, eventbus.DeriveTopic(event.Type)) {
		return false
	}
	return true
}

func (r *Replayer) republish(ctx context.Context, event *models.Event, config *ReplayConfig) error {
	if config.Validate {
		result := r.registry.Validate(event)
		if !result.Valid {
			return fmt.Errorf("event %s failed validation: %v", event.ID, result.Errors)
		}
		if config.Migrate && result.Migrated {
			event = result.Event
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	topics := config.TargetTopics
	if len(topics) == 0 {
		topics = []string{eventbus.DeriveTopic(event.Type)}
	}
	for _, topic := range topics {
		if err := r.producer.Produce(ctx, topic, payload, event.PartitionKey()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replayer) emit(progress Progress, start time.Time) {
	if r.progress == nil {
		return
	}
	if progress.Processed > 0 && progress.Total > progress.Processed {
		perEvent := time.Since(start) / time.Duration(progress.Processed)
		progress.ETA = perEvent * time.Duration(progress.Total-progress.Processed)
	}
	r.progress(progress)
}

package materializer

import (
	"context"
	"time"

	"github.com/pulseproof/pulseproof/internal/logging"
	"go.uber.org/zap"
)

// AnalyticsEvent records one materialization outcome for reporting.
type AnalyticsEvent struct {
	Kind           string    `json:"kind"` // materialized, filtered, render_failed, enqueue_failed
	SiteID         string    `json:"site_id"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	TemplateID     string    `json:"template_id"`
	NotificationID string    `json:"notification_id,omitempty"`
	ABTestID       string    `json:"ab_test_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

// AnalyticsRecorder receives materialization outcomes. Recorder errors are
// swallowed by the caller: analytics never block the pipeline.
type AnalyticsRecorder interface {
	Record(ctx context.Context, event AnalyticsEvent) error
}

// LogRecorder writes analytics events to the structured log.
type LogRecorder struct {
	logger *logging.Logger
}

var _ AnalyticsRecorder = &LogRecorder{}

func NewLogRecorder(logger *logging.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, event AnalyticsEvent) error {
	r.logger.Ctx(ctx).Info("materialization outcome",
		zap.String("kind", event.Kind),
		zap.String("site_id", event.SiteID),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("template_id", event.TemplateID),
		zap.String("notification_id", event.NotificationID),
		zap.String("reason", event.Reason))
	return nil
}

package materializer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pulseproof/pulseproof/internal/eventbus"
	"github.com/pulseproof/pulseproof/internal/idgen"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/models"
	"github.com/pulseproof/pulseproof/internal/render"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultTemplateConcurrency = 4

// DeliveryPayload is what a queue item carries to the delivery workers. Data
// echoes the source event payload so widgets can read structured fields
// (customer name, products) without a round trip to the event store.
type DeliveryPayload struct {
	NotificationID string                  `json:"notification_id"`
	SiteID         string                  `json:"site_id"`
	EventType      string                  `json:"event_type"`
	Content        *models.RenderedContent `json:"content"`
	Data           models.Data             `json:"data,omitempty"`
}

// Enqueuer is the slice of the priority queue the materializer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, item *models.QueueItem) error
}

// PriorityResolver assigns a queue priority to an event.
type PriorityResolver func(event *models.Event) string

func defaultPriority(event *models.Event) string {
	switch event.Type {
	case "order.created", "invoice.paid":
		return models.PriorityHigh
	default:
		return models.PriorityNormal
	}
}

type MaterializerOption func(*Materializer)

func WithTemplateConcurrency(n int) MaterializerOption {
	return func(m *Materializer) { m.concurrency = n }
}

func WithPriorityResolver(resolver PriorityResolver) MaterializerOption {
	return func(m *Materializer) { m.priority = resolver }
}

func WithAnalytics(recorder AnalyticsRecorder) MaterializerOption {
	return func(m *Materializer) { m.analytics = recorder }
}

// Materializer turns bus events into notifications: it matches active
// templates, applies delivery rules and A/B tests, renders content, and
// enqueues one queue item per channel.
type Materializer struct {
	templates     TemplateStore
	notifications NotificationStore
	abtests       ABTestStore
	guard         MaterializationGuard
	renderer      *render.Renderer
	queue         Enqueuer
	rules         *RuleEngine
	analytics     AnalyticsRecorder
	logger        *logging.Logger
	concurrency   int
	priority      PriorityResolver
}

func New(
	store *RedisStore,
	renderer *render.Renderer,
	queue Enqueuer,
	rules *RuleEngine,
	logger *logging.Logger,
	opts ...MaterializerOption,
) *Materializer {
	m := &Materializer{
		templates:     store,
		notifications: store,
		abtests:       store,
		guard:         store,
		renderer:      renderer,
		queue:         queue,
		rules:         rules,
		analytics:     NewLogRecorder(logger),
		logger:        logger,
		concurrency:   defaultTemplateConcurrency,
		priority:      defaultPriority,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleEvent adapts Process to the bus consumer callback. Only the template
// listing can fail the whole event; per-template failures are absorbed so
// one broken template cannot force redelivery of the others.
func (m *Materializer) HandleEvent(ctx context.Context, event *models.Event, _ eventbus.MessageMetadata) error {
	_, err := m.Process(ctx, event)
	return err
}

// Process materializes one event into zero or more notifications.
func (m *Materializer) Process(ctx context.Context, event *models.Event) ([]*models.Notification, error) {
	if event.SiteID == "" {
		m.logger.Ctx(ctx).Debug("skipping event without site",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type))
		return nil, nil
	}

	templates, err := m.templates.ListActiveTemplates(ctx, event.SiteID, event.Type)
	if err != nil {
		return nil, fmt.Errorf("list templates for %s/%s: %w", event.SiteID, event.Type, err)
	}
	if len(templates) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	var notifications []*models.Notification

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.concurrency)
	for _, template := range templates {
		template := template
		group.Go(func() error {
			notification := m.materializeOne(groupCtx, template, event)
			if notification != nil {
				mu.Lock()
				notifications = append(notifications, notification)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return notifications, nil
}

func (m *Materializer) materializeOne(ctx context.Context, control *models.Template, event *models.Event) *models.Notification {
	// The bus redelivers on consumer restart; claim against the control
	// template so a redelivered event cannot mint a second notification even
	// if the A/B split resolves differently this time.
	claimed, err := m.guard.ClaimMaterialization(ctx, event.ID, control.ID)
	if err != nil {
		m.logger.Ctx(ctx).Warn("materialization claim failed, proceeding",
			zap.String("event_id", event.ID),
			zap.String("template_id", control.ID),
			zap.Error(err))
	} else if !claimed {
		m.logger.Ctx(ctx).Debug("event already materialized for template",
			zap.String("event_id", event.ID),
			zap.String("template_id", control.ID))
		return nil
	}

	template, testID := m.selectTemplate(ctx, control, event)

	channels := template.Channels
	if len(channels) == 0 {
		channels = []string{"site:" + event.SiteID}
	}

	now := time.Now()
	notification := &models.Notification{
		ID:         idgen.Notification(),
		SiteID:     event.SiteID,
		TemplateID: template.ID,
		EventID:    event.ID,
		EventType:  event.Type,
		Channels:   channels,
		Status:     models.NotificationStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.notifications.SaveNotification(ctx, notification); err != nil {
		m.logger.Ctx(ctx).Error("failed to save pending notification",
			zap.String("template_id", template.ID),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return nil
	}

	decision := m.rules.Evaluate(ctx, template, event)
	if !decision.Allowed {
		m.finalize(ctx, notification, models.NotificationStatusFiltered)
		m.record(ctx, "filtered", event, template, notification, testID, decision.Reason)
		return notification
	}

	content, err := m.renderer.Render(ctx, template, render.ScopeFromEvent(event))
	if err != nil {
		m.logger.Ctx(ctx).Error("render failed",
			zap.String("template_id", template.ID),
			zap.String("event_id", event.ID),
			zap.Error(err))
		m.finalize(ctx, notification, models.NotificationStatusFailed)
		m.record(ctx, "render_failed", event, template, notification, testID, err.Error())
		return notification
	}
	notification.Content = content

	payload, err := json.Marshal(&DeliveryPayload{
		NotificationID: notification.ID,
		SiteID:         notification.SiteID,
		EventType:      notification.EventType,
		Content:        content,
		Data:           event.Data,
	})
	if err != nil {
		m.finalize(ctx, notification, models.NotificationStatusFailed)
		m.record(ctx, "enqueue_failed", event, template, notification, testID, err.Error())
		return notification
	}

	priority := m.priority(event)
	for _, channel := range channels {
		item := &models.QueueItem{
			NotificationID: notification.ID,
			SiteID:         notification.SiteID,
			Channel:        channel,
			Priority:       priority,
			Payload:        payload,
		}
		if err := m.queue.Enqueue(ctx, item); err != nil {
			m.logger.Ctx(ctx).Error("enqueue failed",
				zap.String("notification_id", notification.ID),
				zap.String("channel", channel),
				zap.Error(err))
			m.finalize(ctx, notification, models.NotificationStatusFailed)
			m.record(ctx, "enqueue_failed", event, template, notification, testID, err.Error())
			return notification
		}
	}

	if err := m.notifications.SaveNotification(ctx, notification); err != nil {
		m.logger.Ctx(ctx).Error("failed to save rendered notification",
			zap.String("notification_id", notification.ID),
			zap.Error(err))
	}
	m.record(ctx, "materialized", event, template, notification, testID, "")
	return notification
}

func (m *Materializer) finalize(ctx context.Context, notification *models.Notification, status string) {
	if err := notification.TransitionTo(status); err != nil {
		m.logger.Ctx(ctx).Error("invalid notification transition",
			zap.String("notification_id", notification.ID),
			zap.String("status", notification.Status),
			zap.String("target", status),
			zap.Error(err))
		return
	}
	if err := m.notifications.SaveNotification(ctx, notification); err != nil {
		m.logger.Ctx(ctx).Error("failed to save notification status",
			zap.String("notification_id", notification.ID),
			zap.Error(err))
	}
}

func (m *Materializer) record(ctx context.Context, kind string, event *models.Event, template *models.Template, notification *models.Notification, testID, reason string) {
	analyticsEvent := AnalyticsEvent{
		Kind:       kind,
		SiteID:     event.SiteID,
		EventID:    event.ID,
		EventType:  event.Type,
		TemplateID: template.ID,
		ABTestID:   testID,
		Reason:     reason,
		At:         time.Now(),
	}
	if notification != nil {
		analyticsEvent.NotificationID = notification.ID
	}
	if err := m.analytics.Record(ctx, analyticsEvent); err != nil {
		m.logger.Ctx(ctx).Debug("analytics record failed", zap.Error(err))
	}
}

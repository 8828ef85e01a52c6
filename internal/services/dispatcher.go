package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pulseproof/pulseproof/internal/broker"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/materializer"
	"github.com/pulseproof/pulseproof/internal/models"
	"github.com/pulseproof/pulseproof/internal/pqueue"
	"github.com/pulseproof/pulseproof/internal/pubsub"
)

// Dispatcher is the delivery stage: it takes queue items off the priority
// queue and fans the rendered notification out on the pub/sub backend, then
// records the delivery on the notification.
type Dispatcher struct {
	publisher     *pubsub.Publisher
	notifications materializer.NotificationStore
	logger        *logging.Logger
}

func NewDispatcher(publisher *pubsub.Publisher, notifications materializer.NotificationStore, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		publisher:     publisher,
		notifications: notifications,
		logger:        logger,
	}
}

var _ pqueue.ProcessFunc = (&Dispatcher{}).Process

// Process delivers one queue item. An undecodable payload is permanent and
// panics so the pool dead-letters it as poison instead of retrying.
func (d *Dispatcher) Process(ctx context.Context, item *models.QueueItem) error {
	payload := &materializer.DeliveryPayload{}
	if err := json.Unmarshal(item.Payload, payload); err != nil {
		panic(fmt.Sprintf("undecodable delivery payload for %s: %v", item.NotificationID, err))
	}

	receivers, err := d.publisher.Publish(ctx, publishChannel(item, payload), item.Payload)
	if err != nil {
		return fmt.Errorf("publish notification %s: %w", item.NotificationID, err)
	}

	d.markDelivered(ctx, item.NotificationID)
	d.logger.Ctx(ctx).Info("notification delivered",
		zap.String("notification_id", item.NotificationID),
		zap.String("site_id", item.SiteID),
		zap.String("channel", item.Channel),
		zap.Int64("receivers", receivers))
	return nil
}

// publishChannel maps the item's queue channel to its pub/sub channel. The
// default per-site channel becomes the site-wide broker channel; explicit
// channels pass through unchanged.
func publishChannel(item *models.QueueItem, payload *materializer.DeliveryPayload) string {
	if item.Channel == "site:"+payload.SiteID {
		return broker.SiteChannel(payload.SiteID)
	}
	return item.Channel
}

// markDelivered is best effort: the notification may already be terminal
// when a redelivered item comes through twice.
func (d *Dispatcher) markDelivered(ctx context.Context, notificationID string) {
	notification, err := d.notifications.GetNotification(ctx, notificationID)
	if err != nil {
		d.logger.Ctx(ctx).Warn("delivered notification not found",
			zap.String("notification_id", notificationID),
			zap.Error(err))
		return
	}
	if err := notification.TransitionTo(models.NotificationStatusDelivered); err != nil {
		if !errors.Is(err, models.ErrInvalidStatusTransition) {
			d.logger.Ctx(ctx).Warn("notification status update failed",
				zap.String("notification_id", notificationID),
				zap.Error(err))
		}
		return
	}
	if err := d.notifications.SaveNotification(ctx, notification); err != nil {
		d.logger.Ctx(ctx).Warn("notification status save failed",
			zap.String("notification_id", notificationID),
			zap.Error(err))
	}
}

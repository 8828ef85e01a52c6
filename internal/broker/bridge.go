package broker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/pubsub"
	"go.uber.org/zap"
)

const siteChannelPrefix = "notifications:"

// SiteChannel is the pub/sub channel carrying every notification for a site.
func SiteChannel(siteID string) string {
	return siteChannelPrefix + siteID
}

// Bridge maintains backend pub/sub subscriptions that mirror what the hub
// needs: one site-wide subscription per site with live connections, plus one
// per explicitly subscribed channel.
type Bridge struct {
	subscriber *pubsub.Subscriber
	hub        *Hub
	logger     *logging.Logger

	mu             sync.Mutex
	siteCancels    map[string]func()
	channelCancels map[string]func()
}

var _ SiteListener = &Bridge{}

func NewBridge(subscriber *pubsub.Subscriber, hub *Hub, logger *logging.Logger) *Bridge {
	b := &Bridge{
		subscriber:     subscriber,
		hub:            hub,
		logger:         logger,
		siteCancels:    make(map[string]func()),
		channelCancels: make(map[string]func()),
	}
	hub.SetListener(b)
	return b
}

func (b *Bridge) SiteActive(siteID string) {
	ctx := context.Background()
	cancel, err := b.subscriber.Subscribe(ctx, SiteChannel(siteID), func(ctx context.Context, payload []byte) error {
		b.hub.BroadcastSite(siteID, NotificationFrame("", json.RawMessage(payload)))
		return nil
	})
	if err != nil {
		b.logger.Ctx(ctx).Error("site bridge subscribe failed",
			zap.String("site_id", siteID),
			zap.Error(err))
		return
	}
	b.mu.Lock()
	b.siteCancels[siteID] = cancel
	b.mu.Unlock()
}

func (b *Bridge) SiteIdle(siteID string) {
	b.mu.Lock()
	cancel := b.siteCancels[siteID]
	delete(b.siteCancels, siteID)
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Bridge) ChannelActive(channel string) {
	ctx := context.Background()
	cancel, err := b.subscriber.Subscribe(ctx, channel, func(ctx context.Context, payload []byte) error {
		b.hub.BroadcastChannel(channel, NotificationFrame(channel, json.RawMessage(payload)))
		return nil
	})
	if err != nil {
		b.logger.Ctx(ctx).Error("channel bridge subscribe failed",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}
	b.mu.Lock()
	b.channelCancels[channel] = cancel
	b.mu.Unlock()
}

func (b *Bridge) ChannelIdle(channel string) {
	b.mu.Lock()
	cancel := b.channelCancels[channel]
	delete(b.channelCancels, channel)
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

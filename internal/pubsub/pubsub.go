package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pulseproof/pulseproof/internal/logging"
	r "github.com/pulseproof/pulseproof/internal/redis"
	"go.uber.org/zap"
)

// Handler consumes one published payload. Handler errors and panics are
// isolated: they are logged and never affect sibling handlers or the
// receive loop.
type Handler func(ctx context.Context, payload []byte) error

// Publisher fans a payload out to every subscriber of a channel.
type Publisher struct {
	client r.Client
	logger *logging.Logger
}

func NewPublisher(client r.Client, logger *logging.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Publish sends the payload and returns how many subscribers received it.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	receivers, err := p.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", channel, err)
	}
	p.logger.Ctx(ctx).Debug("message published",
		zap.String("channel", channel),
		zap.Int64("receivers", receivers))
	return receivers, nil
}

// PublishJSON marshals v and publishes it.
func (p *Publisher) PublishJSON(ctx context.Context, channel string, v any) (int64, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal payload for %s: %w", channel, err)
	}
	return p.Publish(ctx, channel, payload)
}

package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pulseproof/pulseproof/internal/eventschema"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/models"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MessageMetadata is attached to every dispatched message.
type MessageMetadata struct {
	Topic     string
	Partition int
	Offset    int64
	Time      time.Time
	Key       string
	Headers   map[string]string
}

// EventHandler receives validated (and possibly migrated) canonical events.
type EventHandler func(ctx context.Context, event *models.Event, meta MessageMetadata) error

// RawHandler receives the undecoded message body.
type RawHandler func(ctx context.Context, body []byte, meta MessageMetadata) error

// ErrorHandler is notified of per-message failures. Its own errors are
// logged and swallowed; the consumer loop never stops on handler errors.
type ErrorHandler func(ctx context.Context, err error, meta MessageMetadata)

type ConsumerConfig struct {
	ClientID          string
	Brokers           []string
	GroupID           string
	Topics            []string
	FromBeginning     bool
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxWait           time.Duration
}

// reader abstracts kafka.Reader for tests.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerOption func(*Consumer)

// WithErrorHandler sets the per-message error callback.
func WithErrorHandler(handler ErrorHandler) ConsumerOption {
	return func(c *Consumer) {
		c.errorHandler = handler
	}
}

func withReader(r reader) ConsumerOption {
	return func(c *Consumer) {
		c.reader = r
	}
}

// Consumer is a group consumer over one or more topics. Offsets advance only
// after the handler returns without error, giving at-least-once delivery.
type Consumer struct {
	config       ConsumerConfig
	registry     *eventschema.Registry
	logger       *logging.Logger
	reader       reader
	eventHandler EventHandler
	rawHandler   RawHandler
	errorHandler ErrorHandler
}

func NewConsumer(config ConsumerConfig, registry *eventschema.Registry, logger *logging.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		config:   config,
		registry: registry,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers the canonical event handler. The body is decoded and
// revalidated (migrating if needed) before dispatch.
func (c *Consumer) OnEvent(handler EventHandler) {
	c.eventHandler = handler
}

// OnMessage registers a raw handler, bypassing event decoding.
func (c *Consumer) OnMessage(handler RawHandler) {
	c.rawHandler = handler
}

func (c *Consumer) openReader() reader {
	startOffset := kafka.LastOffset
	if c.config.FromBeginning {
		startOffset = kafka.FirstOffset
	}
	sessionTimeout := c.config.SessionTimeout
	if sessionTimeout == 0 {
		sessionTimeout = 30 * time.Second
	}
	heartbeat := c.config.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = 3 * time.Second
	}
	maxWait := c.config.MaxWait
	if maxWait == 0 {
		maxWait = 10 * time.Second
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:           c.config.Brokers,
		GroupID:           c.config.GroupID,
		GroupTopics:       c.config.Topics,
		StartOffset:       startOffset,
		SessionTimeout:    sessionTimeout,
		HeartbeatInterval: heartbeat,
		MaxWait:           maxWait,
	})
}

// Run consumes until the context is cancelled. Transient fetch errors are
// retried with bounded exponential backoff; a permanent broker error is
// returned.
func (c *Consumer) Run(ctx context.Context) error {
	if c.eventHandler == nil && c.rawHandler == nil {
		return errors.New("eventbus: consumer has no handler registered")
	}
	if c.reader == nil {
		c.reader = c.openReader()
	}
	defer c.reader.Close()

	tracer := otel.GetTracerProvider().Tracer("github.com/pulseproof/pulseproof/internal/eventbus")

	fetchBackoff := backoff.NewExponentialBackOff()
	fetchBackoff.MaxInterval = 30 * time.Second
	fetchBackoff.MaxElapsedTime = 0 // retry until cancelled

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			next := fetchBackoff.NextBackOff()
			c.logger.Ctx(ctx).Warn("fetch failed, backing off",
				zap.Error(err),
				zap.Duration("backoff", next),
				zap.String("group_id", c.config.GroupID))
			select {
			case <-time.After(next):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		fetchBackoff.Reset()

		if err := c.process(ctx, tracer, msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Ctx(ctx).Error("commit failed",
				zap.Error(err),
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset))
		}
	}
}

// process dispatches one message, retrying in place on handler errors so the
// group offset never advances past an unprocessed message (committing a later
// message would silently skip this one). Undecodable or schema-invalid
// messages can never succeed on redelivery; those are surfaced through the
// error handler and then deliberately committed so a poison pill cannot stall
// the partition.
func (c *Consumer) process(ctx context.Context, tracer trace.Tracer, msg kafka.Message) error {
	retry := backoff.NewExponentialBackOff()
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0 // retry until cancelled

	for {
		handlerCtx, span := tracer.Start(ctx, "Consumer.Handle")
		err := c.dispatch(handlerCtx, msg)
		if err == nil {
			span.End()
			return nil
		}
		span.RecordError(err)
		c.reportError(handlerCtx, err, metadataFromMessage(msg))
		span.End()

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil
		}

		next := retry.NextBackOff()
		c.logger.Ctx(ctx).Warn("handler failed, retrying message in place",
			zap.Error(err),
			zap.Duration("backoff", next),
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset))
		select {
		case <-time.After(next):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg kafka.Message) error {
	meta := metadataFromMessage(msg)

	if c.rawHandler != nil {
		return c.rawHandler(ctx, msg.Value, meta)
	}

	event := &models.Event{}
	if err := json.Unmarshal(msg.Value, event); err != nil {
		return backoff.Permanent(fmt.Errorf("decode event at %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err))
	}

	result := c.registry.Validate(event)
	if !result.Valid {
		return backoff.Permanent(fmt.Errorf("event %s failed validation: %v", event.ID, result.Errors))
	}
	return c.eventHandler(ctx, result.Event, meta)
}

func (c *Consumer) reportError(ctx context.Context, err error, meta MessageMetadata) {
	c.logger.Ctx(ctx).Error("message handling failed",
		zap.Error(err),
		zap.String("topic", meta.Topic),
		zap.Int("partition", meta.Partition),
		zap.Int64("offset", meta.Offset))
	if c.errorHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Ctx(ctx).Error("error handler panicked", zap.Any("panic", r))
		}
	}()
	c.errorHandler(ctx, err, meta)
}

func metadataFromMessage(msg kafka.Message) MessageMetadata {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return MessageMetadata{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Time:      msg.Time,
		Key:       string(msg.Key),
		Headers:   headers,
	}
}

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pulseproof/pulseproof/internal/eventschema"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/models"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	HeaderContentType    = "content-type"
	HeaderProducerID     = "producer-id"
	HeaderTimestamp      = "timestamp"
	HeaderEventType      = "event-type"
	HeaderEventVersion   = "event-version"
	HeaderOrganizationID = "organization-id"
	HeaderSiteID         = "site-id"
	HeaderCorrelationID  = "correlation-id"
	HeaderMigrated       = "migrated"

	contentTypeJSON = "application/json"
)

// Writer is the per-topic sink the producer writes to. *kafka.Writer
// satisfies it; tests inject a capture.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type WriterFactory func(topic string) Writer

type ProducerConfig struct {
	Brokers  []string
	ClientID string
}

type ProducerOption func(*Producer)

// WithWriterFactory overrides how per-topic writers are constructed.
func WithWriterFactory(factory WriterFactory) ProducerOption {
	return func(p *Producer) {
		p.newWriter = factory
	}
}

// Producer serializes events onto bus topics with propagated headers.
// Writers are opened lazily per topic and reused.
type Producer struct {
	config    ProducerConfig
	registry  *eventschema.Registry
	logger    *logging.Logger
	newWriter WriterFactory

	mu      sync.Mutex
	writers map[string]Writer
}

type PublishOptions struct {
	Key       string
	Partition int
	Headers   map[string]string
}

type PublishOption func(*PublishOptions)

func WithKey(key string) PublishOption {
	return func(o *PublishOptions) { o.Key = key }
}

func WithHeaders(headers map[string]string) PublishOption {
	return func(o *PublishOptions) { o.Headers = headers }
}

func NewProducer(config ProducerConfig, registry *eventschema.Registry, logger *logging.Logger, opts ...ProducerOption) *Producer {
	p := &Producer{
		config:   config,
		registry: registry,
		logger:   logger,
		writers:  make(map[string]Writer),
	}
	p.newWriter = p.defaultWriter
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Producer) defaultWriter(topic string) Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (p *Producer) writer(topic string) Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}

// Produce sends a raw payload to an explicit topic with base headers only.
func (p *Producer) Produce(ctx context.Context, topic string, payload []byte, key string) error {
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: p.baseHeaders(),
	}
	if err := p.writer(topic).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	p.logger.Ctx(ctx).Debug("message produced",
		zap.String("topic", topic),
		zap.String("key", key))
	return nil
}

// ProduceEvent validates (and migrates) the event, derives its topic, and
// publishes it with event headers. The returned event is the form that was
// actually produced.
func (p *Producer) ProduceEvent(ctx context.Context, event *models.Event, opts ...PublishOption) (*models.Event, error) {
	options := &PublishOptions{}
	for _, opt := range opts {
		opt(options)
	}

	result := p.registry.Validate(event)
	if !result.Valid {
		return nil, fmt.Errorf("event %s failed validation: %v", event.ID, result.Errors)
	}
	event = result.Event

	topic := DeriveTopic(event.Type)
	msg, err := p.eventMessage(event, result.Migrated, options)
	if err != nil {
		return nil, err
	}

	if err := p.writer(topic).WriteMessages(ctx, msg); err != nil {
		return nil, fmt.Errorf("produce event %s to %s: %w", event.ID, topic, err)
	}

	p.logger.Ctx(ctx).Info("event produced",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("topic", topic),
		zap.Bool("migrated", result.Migrated))
	return event, nil
}

// ProduceBatch groups events by derived topic and sends one batch per topic.
// Invalid events are dropped with a warning; an empty input is a no-op.
func (p *Producer) ProduceBatch(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}

	batches := make(map[string][]kafka.Message)
	for _, event := range events {
		result := p.registry.Validate(event)
		if !result.Valid {
			p.logger.Ctx(ctx).Warn("dropping invalid event from batch",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.Strings("errors", result.Errors))
			continue
		}
		msg, err := p.eventMessage(result.Event, result.Migrated, &PublishOptions{})
		if err != nil {
			p.logger.Ctx(ctx).Warn("dropping unserializable event from batch",
				zap.String("event_id", event.ID), zap.Error(err))
			continue
		}
		topic := DeriveTopic(result.Event.Type)
		batches[topic] = append(batches[topic], msg)
	}

	for topic, msgs := range batches {
		if err := p.writer(topic).WriteMessages(ctx, msgs...); err != nil {
			return fmt.Errorf("produce batch to %s: %w", topic, err)
		}
		p.logger.Ctx(ctx).Info("event batch produced",
			zap.String("topic", topic),
			zap.Int("count", len(msgs)))
	}
	return nil
}

func (p *Producer) eventMessage(event *models.Event, migrated bool, options *PublishOptions) (kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	key := options.Key
	if key == "" {
		key = event.PartitionKey()
	}

	headers := p.baseHeaders()
	headers = append(headers,
		kafka.Header{Key: HeaderEventType, Value: []byte(event.Type)},
		kafka.Header{Key: HeaderEventVersion, Value: []byte(event.Version)},
		kafka.Header{Key: HeaderOrganizationID, Value: []byte(event.OrganizationID)},
		kafka.Header{Key: HeaderMigrated, Value: []byte(strconv.FormatBool(migrated))},
	)
	if event.SiteID != "" {
		headers = append(headers, kafka.Header{Key: HeaderSiteID, Value: []byte(event.SiteID)})
	}
	if event.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: HeaderCorrelationID, Value: []byte(event.CorrelationID)})
	}
	for k, v := range options.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{Key: []byte(key), Value: payload, Headers: headers}, nil
}

func (p *Producer) baseHeaders() []kafka.Header {
	return []kafka.Header{
		{Key: HeaderContentType, Value: []byte(contentTypeJSON)},
		{Key: HeaderProducerID, Value: []byte(p.config.ClientID)},
		{Key: HeaderTimestamp, Value: []byte(time.Now().UTC().Format(time.RFC3339))},
	}
}

// Close shuts down all opened topic writers.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close writer for %s: %w", topic, err)
		}
	}
	p.writers = make(map[string]Writer)
	return firstErr
}

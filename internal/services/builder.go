package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pulseproof/pulseproof/internal/broker"
	"github.com/pulseproof/pulseproof/internal/config"
	"github.com/pulseproof/pulseproof/internal/eventbus"
	"github.com/pulseproof/pulseproof/internal/eventschema"
	"github.com/pulseproof/pulseproof/internal/eventstore"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/materializer"
	"github.com/pulseproof/pulseproof/internal/models"
	"github.com/pulseproof/pulseproof/internal/pqueue"
	"github.com/pulseproof/pulseproof/internal/pubsub"
	"github.com/pulseproof/pulseproof/internal/redis"
	"github.com/pulseproof/pulseproof/internal/render"
	"github.com/pulseproof/pulseproof/internal/webhook"
	"github.com/pulseproof/pulseproof/internal/worker"
)

// materializerTopics are the bus topics the notification pipeline consumes.
var materializerTopics = []string{
	"order-events",
	"user-events",
	"signup-events",
	"review-events",
	"invoice-events",
	eventbus.DefaultTopic,
}

// Builder assembles workers for the configured service type. Shared
// infrastructure (Redis, the bus producer, the event store) is created once
// and reused across services running in the same process.
type Builder struct {
	ctx        context.Context
	cfg        *config.Config
	logger     *logging.Logger
	supervisor *worker.Supervisor
	registry   *eventschema.Registry
	router     *gin.Engine
	health     *DetailedHealth

	redisClient redis.Client
	producer    *eventbus.Producer
	events      eventstore.Store

	cleanups []func(context.Context)
}

func NewBuilder(ctx context.Context, cfg *config.Config, logger *logging.Logger) *Builder {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	supervisor := worker.NewSupervisor(logger, worker.WithShutdownTimeout(30*time.Second))
	return &Builder{
		ctx:        ctx,
		cfg:        cfg,
		logger:     logger,
		supervisor: supervisor,
		registry:   eventschema.NewDefaultRegistry(),
		router:     router,
		health:     NewDetailedHealth(supervisor.Health()),
	}
}

func (b *Builder) redis() (redis.Client, error) {
	if b.redisClient != nil {
		return b.redisClient, nil
	}
	client, err := redis.New(b.ctx, b.cfg.Redis.ToConfig())
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	b.redisClient = client
	b.health.WithRedis(client)
	b.cleanups = append(b.cleanups, func(context.Context) { client.Close() })
	return client, nil
}

func (b *Builder) busProducer() *eventbus.Producer {
	if b.producer == nil {
		b.producer = eventbus.NewProducer(eventbus.ProducerConfig{
			Brokers:  b.cfg.Kafka.Brokers,
			ClientID: b.cfg.Kafka.ClientID,
		}, b.registry, b.logger)
		producer := b.producer
		b.cleanups = append(b.cleanups, func(context.Context) { producer.Close() })
	}
	return b.producer
}

func (b *Builder) eventStore() (eventstore.Store, error) {
	if b.events != nil {
		return b.events, nil
	}
	if b.cfg.Postgres.URL == "" {
		b.logger.Ctx(b.ctx).Warn("no postgres configured, using in-memory event store")
		b.events = eventstore.NewMemStore()
	} else {
		pool, err := pgxpool.New(b.ctx, b.cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.events = eventstore.NewPGStore(pool)
	}
	store := b.events
	b.health.WithEventStore(store)
	b.cleanups = append(b.cleanups, func(context.Context) { store.Close() })
	return b.events, nil
}

// BuildIngest wires the webhook ingress: provider verification, tenant
// resolution, and production onto the bus.
func (b *Builder) BuildIngest() error {
	client, err := b.redis()
	if err != nil {
		return err
	}

	providers := webhook.NewRegistry(
		webhook.NewShopifyProvider(b.cfg.Webhook.ShopifySecret),
		webhook.NewWooCommerceProvider(b.cfg.Webhook.WooCommerceSecret),
		webhook.NewStripeProvider(b.cfg.Webhook.StripeSecret),
	)
	resolver := webhook.NewRedisTenantResolver(client)
	handler := webhook.NewHandler(providers, resolver, b.busProducer(), b.logger)
	handler.RegisterRoutes(b.router)
	b.health.WithWebhook(handler)

	b.logger.Ctx(b.ctx).Info("ingest service built")
	return nil
}

// BuildMaterializer wires the bus consumer that persists events and turns
// them into notifications, plus the admin API and event retention.
func (b *Builder) BuildMaterializer() error {
	client, err := b.redis()
	if err != nil {
		return err
	}
	events, err := b.eventStore()
	if err != nil {
		return err
	}

	store := materializer.NewRedisStore(client)
	renderer := render.NewRenderer(b.logger,
		render.WithRenderTimeout(time.Duration(b.cfg.RenderTimeoutMs)*time.Millisecond))
	queue := pqueue.New(client, b.logger,
		pqueue.WithMaxRetries(b.cfg.QueueMaxRetries))
	rules := materializer.NewRuleEngine(client, b.logger)
	mat := materializer.New(store, renderer, queue, rules, b.logger,
		materializer.WithTemplateConcurrency(b.cfg.TemplateConcurrency))

	consumer := eventbus.NewConsumer(eventbus.ConsumerConfig{
		ClientID: b.cfg.Kafka.ClientID,
		Brokers:  b.cfg.Kafka.Brokers,
		GroupID:  b.cfg.Kafka.GroupID,
		Topics:   materializerTopics,
	}, b.registry, b.logger)
	consumer.OnEvent(b.storeThenMaterialize(events, mat))
	if err := b.supervisor.Register(NewConsumerWorker("materializer-consumer", consumer)); err != nil {
		return err
	}

	if b.cfg.EventRetentionDays > 0 {
		if err := b.supervisor.Register(b.retentionWorker(events)); err != nil {
			return err
		}
	}

	replays := NewReplayManager(events, b.busProducer(), b.registry, b.logger)
	api := NewAPIHandler(events, store, renderer, webhook.NewRedisTenantResolver(client), replays, b.logger)
	api.RegisterRoutes(b.router)

	b.logger.Ctx(b.ctx).Info("materializer service built")
	return nil
}

// storeThenMaterialize persists the event before materializing it. A
// redelivered event hits the duplicate guard and goes straight to the
// materializer.
func (b *Builder) storeThenMaterialize(events eventstore.Store, mat *materializer.Materializer) eventbus.EventHandler {
	return func(ctx context.Context, event *models.Event, meta eventbus.MessageMetadata) error {
		if err := events.Store(ctx, event); err != nil && !errors.Is(err, eventstore.ErrDuplicateID) {
			return fmt.Errorf("persist event %s: %w", event.ID, err)
		}
		return mat.HandleEvent(ctx, event, meta)
	}
}

func (b *Builder) retentionWorker(events eventstore.Store) worker.Worker {
	retention := time.Duration(b.cfg.EventRetentionDays) * 24 * time.Hour
	return &worker.Func{
		WorkerName: "event-retention",
		RunFunc: func(ctx context.Context) error {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					deleted, err := events.DeleteOlderThan(ctx, time.Now().Add(-retention))
					if err != nil {
						b.logger.Ctx(ctx).Warn("event retention sweep failed", zap.Error(err))
						continue
					}
					if deleted > 0 {
						b.logger.Ctx(ctx).Info("event retention sweep",
							zap.Int64("deleted", deleted))
					}
				}
			}
		},
	}
}

// BuildDelivery wires the priority-queue worker pool that publishes rendered
// notifications onto the pub/sub backend.
func (b *Builder) BuildDelivery() error {
	client, err := b.redis()
	if err != nil {
		return err
	}

	queue := pqueue.New(client, b.logger,
		pqueue.WithMaxRetries(b.cfg.QueueMaxRetries))
	publisher := pubsub.NewPublisher(client, b.logger)
	store := materializer.NewRedisStore(client)
	dispatcher := NewDispatcher(publisher, store, b.logger)
	pool := pqueue.NewPool(queue, dispatcher.Process, b.logger,
		pqueue.WithConcurrency(b.cfg.QueueConcurrency))

	return b.supervisor.Register(&worker.Func{
		WorkerName: "delivery-pool",
		RunFunc:    pool.Run,
	})
}

// BuildRealtime wires the SSE/WebSocket broker and its pub/sub bridge.
func (b *Builder) BuildRealtime() error {
	client, err := b.redis()
	if err != nil {
		return err
	}

	auth := broker.NewAuthenticator(b.cfg.JWTSecret)
	hub := broker.NewHub(b.logger,
		broker.WithHeartbeatInterval(time.Duration(b.cfg.HeartbeatIntervalSeconds)*time.Second))
	limiter := broker.NewRateLimiter(b.cfg.ConnectionsPerMinute, time.Minute)
	subscriber := pubsub.NewSubscriber(client, b.logger)
	broker.NewBridge(subscriber, hub, b.logger)

	handler := broker.NewHandler(auth, hub, limiter, b.logger)
	handler.RegisterRoutes(b.router)
	b.health.WithHub(hub)

	if err := b.supervisor.Register(&worker.Func{
		WorkerName: "pubsub-subscriber",
		RunFunc:    subscriber.Run,
	}); err != nil {
		return err
	}
	return b.supervisor.Register(&worker.Func{
		WorkerName: "broker-heartbeat",
		RunFunc:    hub.RunHeartbeat,
	})
}

// BuildWorkers assembles everything the configured service type needs and
// finishes with the HTTP server carrying the health and service routes.
func (b *Builder) BuildWorkers() error {
	service := b.cfg.Service
	all := service == config.ServiceTypeSingular

	if all || service == config.ServiceTypeIngest {
		if err := b.BuildIngest(); err != nil {
			return err
		}
	}
	if all || service == config.ServiceTypeMaterializer {
		if err := b.BuildMaterializer(); err != nil {
			return err
		}
	}
	if all || service == config.ServiceTypeDelivery {
		if err := b.BuildDelivery(); err != nil {
			return err
		}
	}
	if all || service == config.ServiceTypeRealtime {
		if err := b.BuildRealtime(); err != nil {
			return err
		}
	}

	b.router.GET("/health", HealthHandler(b.cfg.Service.String(), b.supervisor.Health()))
	b.router.GET("/health/detailed", b.health.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", b.cfg.Port),
		Handler: b.router,
	}
	return b.supervisor.Register(NewHTTPServerWorker(server, b.logger))
}

// Supervisor returns the populated worker supervisor.
func (b *Builder) Supervisor() *worker.Supervisor {
	return b.supervisor
}

// Cleanup releases shared infrastructure, newest first.
func (b *Builder) Cleanup(ctx context.Context) {
	for i := len(b.cleanups) - 1; i >= 0; i-- {
		b.cleanups[i](ctx)
	}
}

package services

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulseproof/pulseproof/internal/broker"
	"github.com/pulseproof/pulseproof/internal/eventstore"
	"github.com/pulseproof/pulseproof/internal/redis"
	"github.com/pulseproof/pulseproof/internal/webhook"
	"github.com/pulseproof/pulseproof/internal/worker"
)

const healthCheckTimeout = 3 * time.Second

// HealthHandler reports liveness from the worker supervisor: 200 while no
// worker has failed, 503 otherwise.
func HealthHandler(service string, tracker *worker.HealthTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		overall := "healthy"
		if !tracker.Healthy() {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		c.JSON(status, gin.H{
			"status":  overall,
			"service": service,
			"workers": tracker.Snapshot(),
		})
	}
}

// DetailedHealth aggregates dependency checks and component counters for the
// operators' view. Only the pieces a service actually runs are set.
type DetailedHealth struct {
	tracker *worker.HealthTracker
	redis   redis.Client
	events  eventstore.Store
	webhook *webhook.Handler
	hub     *broker.Hub
}

func NewDetailedHealth(tracker *worker.HealthTracker) *DetailedHealth {
	return &DetailedHealth{tracker: tracker}
}

func (h *DetailedHealth) WithRedis(client redis.Client) *DetailedHealth {
	h.redis = client
	return h
}

func (h *DetailedHealth) WithEventStore(store eventstore.Store) *DetailedHealth {
	h.events = store
	return h
}

func (h *DetailedHealth) WithWebhook(handler *webhook.Handler) *DetailedHealth {
	h.webhook = handler
	return h
}

func (h *DetailedHealth) WithHub(hub *broker.Hub) *DetailedHealth {
	h.hub = hub
	return h
}

func (h *DetailedHealth) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		report := gin.H{"workers": h.tracker.Snapshot()}
		healthy := h.tracker.Healthy()

		if h.redis != nil {
			if err := h.redis.Ping(ctx).Err(); err != nil {
				report["redis"] = "unreachable"
				healthy = false
			} else {
				report["redis"] = "ok"
			}
		}
		if h.events != nil {
			if err := h.events.HealthCheck(ctx); err != nil {
				report["event_store"] = "unreachable"
				healthy = false
			} else {
				report["event_store"] = "ok"
			}
		}
		if h.webhook != nil {
			report["webhook"] = h.webhook.Stats()
		}
		if h.hub != nil {
			report["broker"] = h.hub.Metrics()
		}

		status := http.StatusOK
		report["status"] = "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			report["status"] = "degraded"
		}
		c.JSON(status, report)
	}
}

package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/pulseproof/pulseproof/internal/eventbus"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/models"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// EventProducer is the slice of the bus producer the ingress needs.
type EventProducer interface {
	ProduceEvent(ctx context.Context, event *models.Event, opts ...eventbus.PublishOption) (*models.Event, error)
}

// HandlerStats counts ingress outcomes. Exposed in detailed health.
type HandlerStats struct {
	Received          uint64 `json:"received"`
	Rejected          uint64 `json:"rejected"`
	NormalizeFailures uint64 `json:"normalize_failures"`
	TenantMisses      uint64 `json:"tenant_misses"`
	ProduceFailures   uint64 `json:"produce_failures"`
}

// Handler terminates provider webhooks: verify the HMAC on the raw body,
// normalize into a canonical event, resolve the owning tenant, and hand off
// to the bus. Once a request proves authentic the response is always 200 so
// the platform does not retry deliveries we already accepted.
type Handler struct {
	registry *Registry
	resolver TenantResolver
	producer EventProducer
	logger   *logging.Logger

	received          atomic.Uint64
	rejected          atomic.Uint64
	normalizeFailures atomic.Uint64
	tenantMisses      atomic.Uint64
	produceFailures   atomic.Uint64
}

func NewHandler(registry *Registry, resolver TenantResolver, producer EventProducer, logger *logging.Logger) *Handler {
	return &Handler{
		registry: registry,
		resolver: resolver,
		producer: producer,
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/webhooks/:provider/*topic", h.Receive)
	router.GET("/webhooks/:provider/health", h.ProviderHealth)
}

func (h *Handler) Receive(c *gin.Context) {
	h.received.Add(1)

	provider, ok := h.registry.Get(c.Param("provider"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"status":  http.StatusNotFound,
			"message": "unknown webhook provider",
		})
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.rejected.Add(1)
		c.JSON(http.StatusBadRequest, gin.H{
			"status":  http.StatusBadRequest,
			"message": "unable to read request body",
		})
		return
	}

	if err := provider.Verify(c.Request.Header, rawBody); err != nil {
		h.rejected.Add(1)
		if errors.Is(err, ErrMissingHeader) {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  http.StatusBadRequest,
				"message": err.Error(),
			})
			return
		}
		h.logger.Ctx(c.Request.Context()).Warn("webhook signature rejected",
			zap.String("provider", provider.Name()),
			zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{
			"status":  http.StatusUnauthorized,
			"message": "invalid webhook signature",
		})
		return
	}

	// Authentic from here on. Downstream failures are logged and counted but
	// never surfaced as errors, otherwise the platform retries forever.
	h.process(c.Request.Context(), provider, c.Request.Header, rawBody)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) process(ctx context.Context, provider Provider, headers http.Header, rawBody []byte) {
	log := h.logger.Ctx(ctx)

	event, err := provider.Normalize(headers, rawBody)
	if err != nil {
		h.normalizeFailures.Add(1)
		log.Error("webhook normalization failed",
			zap.String("provider", provider.Name()),
			zap.Error(err))
		return
	}

	tenant, err := h.resolver.Resolve(ctx, event.Metadata["tenant_key"])
	if err != nil {
		h.tenantMisses.Add(1)
		log.Warn("webhook tenant not resolved",
			zap.String("provider", provider.Name()),
			zap.String("tenant_key", event.Metadata["tenant_key"]),
			zap.Error(err))
		return
	}
	event.OrganizationID = tenant.OrganizationID
	event.SiteID = tenant.SiteID

	produced, err := h.producer.ProduceEvent(ctx, event)
	if err != nil {
		h.produceFailures.Add(1)
		log.Error("webhook event not produced",
			zap.String("provider", provider.Name()),
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err))
		return
	}
	log.Info("webhook event produced",
		zap.String("provider", provider.Name()),
		zap.String("event_id", produced.ID),
		zap.String("event_type", produced.Type),
		zap.String("site_id", produced.SiteID))
}

func (h *Handler) ProviderHealth(c *gin.Context) {
	name := c.Param("provider")
	_, registered := h.registry.Get(name)
	status := http.StatusOK
	if !registered {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{
		"provider":   name,
		"registered": registered,
	})
}

func (h *Handler) Stats() HandlerStats {
	return HandlerStats{
		Received:          h.received.Load(),
		Rejected:          h.rejected.Load(),
		NormalizeFailures: h.normalizeFailures.Load(),
		TenantMisses:      h.tenantMisses.Load(),
		ProduceFailures:   h.produceFailures.Load(),
	}
}

package webhook_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/pulseproof/pulseproof/internal/eventbus"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/models"
	r "github.com/pulseproof/pulseproof/internal/redis"
	"github.com/pulseproof/pulseproof/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

type captureProducer struct {
	mu     sync.Mutex
	events []*models.Event
	err    error
}

func (p *captureProducer) ProduceEvent(_ context.Context, event *models.Event, _ ...eventbus.PublishOption) (*models.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.events = append(p.events, event)
	return event, nil
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTestRouter(t *testing.T, producer *captureProducer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	resolver := &webhook.StaticTenantResolver{Tenants: map[string]webhook.Tenant{
		"demo.myshopify.com": {OrganizationID: "org_1", SiteID: "site_1"},
	}}
	handler := webhook.NewHandler(
		webhook.NewRegistry(webhook.NewShopifyProvider(testSecret)),
		resolver,
		producer,
		logging.NewNop(),
	)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router
}

func shopifyRequest(body []byte, domain string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify/orders/create", bytes.NewReader(body))
	req.Header.Set("X-Shopify-Hmac-Sha256", sign(body))
	req.Header.Set("X-Shopify-Shop-Domain", domain)
	req.Header.Set("X-Shopify-Topic", "orders/create")
	return req
}

func TestHandler_AuthenticWebhookProduced(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{}
	router := newTestRouter(t, producer)

	body := []byte(`{"id": 1001, "email": "jane@example.com", "total_price": "49.99",
		"customer": {"first_name": "Jane", "last_name": "Doe"}}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, shopifyRequest(body, "demo.myshopify.com"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received": true}`, rec.Body.String())

	producer.mu.Lock()
	defer producer.mu.Unlock()
	require.Len(t, producer.events, 1)
	event := producer.events[0]
	assert.Equal(t, "order.created", event.Type)
	assert.Equal(t, "org_1", event.OrganizationID)
	assert.Equal(t, "site_1", event.SiteID)
	assert.Equal(t, "1001", event.Data["order_id"])
}

func TestHandler_MissingHeadersRejected(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{}
	router := newTestRouter(t, producer)

	body := []byte(`{"id": 1001}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify/orders/create", bytes.NewReader(body))
	req.Header.Set("X-Shopify-Hmac-Sha256", sign(body))
	// shop domain and topic absent

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "x-shopify-shop-domain")
	assert.Empty(t, producer.events)
}

func TestHandler_BadSignatureRejected(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{}
	router := newTestRouter(t, producer)

	req := shopifyRequest([]byte(`{"id": 1001}`), "demo.myshopify.com")
	req.Header.Set("X-Shopify-Hmac-Sha256", sign([]byte("something else")))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, producer.events)
}

func TestHandler_ProduceFailureStillAccepted(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{err: errors.New("brokers unreachable")}
	router := newTestRouter(t, producer)

	body := []byte(`{"id": 1001, "total_price": "10.00"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, shopifyRequest(body, "demo.myshopify.com"))

	assert.Equal(t, http.StatusOK, rec.Code, "authentic webhooks are never surfaced as failures")
	assert.JSONEq(t, `{"received": true}`, rec.Body.String())
}

func TestHandler_UnknownTenantStillAccepted(t *testing.T) {
	t.Parallel()

	producer := &captureProducer{}
	router := newTestRouter(t, producer)

	body := []byte(`{"id": 1001, "total_price": "10.00"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, shopifyRequest(body, "stranger.myshopify.com"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, producer.events, "unmapped tenants are dropped, not produced")
}

func TestHandler_UnknownProvider(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, &captureProducer{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/bigcommerce/orders", bytes.NewReader(nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_ProviderHealth(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, &captureProducer{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/shopify/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"registered":true`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/magento/health", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRedisTenantResolver(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	client, err := r.New(context.Background(), &r.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)

	resolver := webhook.NewRedisTenantResolver(client)
	ctx := context.Background()

	_, err = resolver.Resolve(ctx, "demo.myshopify.com")
	require.ErrorIs(t, err, webhook.ErrUnknownTenant)

	require.NoError(t, resolver.Register(ctx, "demo.myshopify.com", webhook.Tenant{
		OrganizationID: "org_1", SiteID: "site_1",
	}))

	tenant, err := resolver.Resolve(ctx, "demo.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, "org_1", tenant.OrganizationID)
	assert.Equal(t, "site_1", tenant.SiteID)
}

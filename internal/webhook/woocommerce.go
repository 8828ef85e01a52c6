package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pulseproof/pulseproof/internal/idgen"
	"github.com/pulseproof/pulseproof/internal/models"
)

const (
	headerWooSignature = "X-WC-Webhook-Signature"
	headerWooSource    = "X-WC-Webhook-Source"
	headerWooTopic     = "X-WC-Webhook-Topic"
)

// WooCommerceProvider authenticates WooCommerce webhooks. The signature is
// base64(hmac-sha256(secret, rawBody)), same scheme as Shopify but with the
// store URL as the tenant key.
type WooCommerceProvider struct {
	secret string
}

func NewWooCommerceProvider(secret string) *WooCommerceProvider {
	return &WooCommerceProvider{secret: secret}
}

func (p *WooCommerceProvider) Name() string { return "woocommerce" }

func (p *WooCommerceProvider) Verify(headers http.Header, rawBody []byte) error {
	for _, key := range []string{headerWooSignature, headerWooSource, headerWooTopic} {
		if headers.Get(key) == "" {
			return fmt.Errorf("%w: %s", ErrMissingHeader, strings.ToLower(key))
		}
	}
	return verifyBase64HMAC(p.secret, rawBody, headers.Get(headerWooSignature))
}

func (p *WooCommerceProvider) Normalize(headers http.Header, rawBody []byte) (*models.Event, error) {
	topic := headers.Get(headerWooTopic)
	source := headers.Get(headerWooSource)

	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("parse woocommerce %s payload: %w", topic, err)
	}

	event := &models.Event{
		ID:      idgen.Event(),
		Type:    wooEventType(topic),
		Version: "1.0.0",
		Time:    time.Now().UTC(),
		Source:  "woocommerce",
		Metadata: map[string]string{
			"provider":   "woocommerce",
			"tenant_key": wooTenantKey(source),
			"topic":      topic,
		},
	}

	switch event.Type {
	case "order.created":
		data := models.Data{
			"order_id":    stringify(payload["id"]),
			"total_price": stringify(payload["total"]),
		}
		if billing, ok := payload["billing"].(map[string]any); ok {
			data["customer_name"] = joinNames(billing["first_name"], billing["last_name"])
			data["email"] = stringify(billing["email"])
		}
		if currency := stringify(payload["currency"]); currency != "" {
			data["currency"] = currency
		}
		if items, ok := payload["line_items"].([]any); ok {
			products := make([]any, 0, len(items))
			for _, raw := range items {
				item, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				products = append(products, map[string]any{
					"product_id": stringify(item["product_id"]),
					"title":      stringify(item["name"]),
					"price":      stringify(item["price"]),
					"quantity":   item["quantity"],
				})
			}
			data["products"] = products
		}
		event.Data = data
	case "customer.created":
		event.Type = "user.registered"
		event.Data = models.Data{
			"user_id": stringify(payload["id"]),
			"email":   stringify(payload["email"]),
			"name":    joinNames(payload["first_name"], payload["last_name"]),
		}
	default:
		event.Data = models.Data(payload)
	}
	return event, nil
}

// wooEventType maps WooCommerce dotted topics (already "order.created"
// shaped) onto canonical types.
func wooEventType(topic string) string {
	if strings.Contains(topic, "/") {
		return eventTypeFromTopic(topic)
	}
	return topic
}

func wooTenantKey(source string) string {
	if u, err := url.Parse(source); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(source, "https://"), "http://"), "/")
}

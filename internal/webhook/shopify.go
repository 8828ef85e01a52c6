package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pulseproof/pulseproof/internal/idgen"
	"github.com/pulseproof/pulseproof/internal/models"
)

const (
	headerShopifyHMAC   = "X-Shopify-Hmac-Sha256"
	headerShopifyDomain = "X-Shopify-Shop-Domain"
	headerShopifyTopic  = "X-Shopify-Topic"
)

// ShopifyProvider authenticates Shopify webhooks with the app's shared
// secret. The signature is base64(hmac-sha256(secret, rawBody)).
type ShopifyProvider struct {
	secret string
}

func NewShopifyProvider(secret string) *ShopifyProvider {
	return &ShopifyProvider{secret: secret}
}

func (p *ShopifyProvider) Name() string { return "shopify" }

func (p *ShopifyProvider) Verify(headers http.Header, rawBody []byte) error {
	for _, key := range []string{headerShopifyHMAC, headerShopifyDomain, headerShopifyTopic} {
		if headers.Get(key) == "" {
			return fmt.Errorf("%w: %s", ErrMissingHeader, strings.ToLower(key))
		}
	}
	return verifyBase64HMAC(p.secret, rawBody, headers.Get(headerShopifyHMAC))
}

func (p *ShopifyProvider) Normalize(headers http.Header, rawBody []byte) (*models.Event, error) {
	topic := headers.Get(headerShopifyTopic)
	domain := headers.Get(headerShopifyDomain)

	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("parse shopify %s payload: %w", topic, err)
	}

	eventType := eventTypeFromTopic(topic)
	event := &models.Event{
		ID:      idgen.Event(),
		Type:    eventType,
		Version: "1.0.0",
		Time:    time.Now().UTC(),
		Source:  "shopify",
		Metadata: map[string]string{
			"provider":   "shopify",
			"tenant_key": domain,
			"topic":      topic,
		},
	}

	switch eventType {
	case "order.created":
		event.Data = shopifyOrderData(payload)
	case "user.registered", "customer.created":
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

func shopifyOrderData(payload map[string]any) models.Data {
	data := models.Data{
		"order_id":    stringify(payload["id"]),
		"email":       stringify(payload["email"]),
		"total_price": stringify(payload["total_price"]),
	}
	if customer, ok := payload["customer"].(map[string]any); ok {
		data["customer_name"] = joinNames(customer["first_name"], customer["last_name"])
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
				"title":      stringify(item["title"]),
				"price":      stringify(item["price"]),
				"quantity":   item["quantity"],
			})
		}
		data["products"] = products
	}
	return data
}

func stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		if value == float64(int64(value)) {
			return fmt.Sprintf("%d", int64(value))
		}
		return fmt.Sprintf("%g", value)
	case bool:
		return fmt.Sprintf("%t", value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func joinNames(first, last any) string {
	name := strings.TrimSpace(stringify(first) + " " + stringify(last))
	return name
}

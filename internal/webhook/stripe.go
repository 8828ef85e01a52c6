package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pulseproof/pulseproof/internal/idgen"
	"github.com/pulseproof/pulseproof/internal/models"
)

const (
	headerStripeSignature = "Stripe-Signature"

	defaultStripeTolerance = 5 * time.Minute
)

// StripeProvider authenticates Stripe webhooks. The Stripe-Signature header
// carries `t=<unix>,v1=<hex hmac>` where the digest covers `<t>.<rawBody>`.
// Signatures older than the tolerance are rejected even when valid.
type StripeProvider struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

type StripeOption func(*StripeProvider)

func WithStripeTolerance(tolerance time.Duration) StripeOption {
	return func(p *StripeProvider) { p.tolerance = tolerance }
}

func withStripeClock(now func() time.Time) StripeOption {
	return func(p *StripeProvider) { p.now = now }
}

func NewStripeProvider(secret string, opts ...StripeOption) *StripeProvider {
	p := &StripeProvider{
		secret:    secret,
		tolerance: defaultStripeTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) Verify(headers http.Header, rawBody []byte) error {
	header := headers.Get(headerStripeSignature)
	if header == "" {
		return fmt.Errorf("%w: %s", ErrMissingHeader, strings.ToLower(headerStripeSignature))
	}

	timestamp, signatures, err := parseStripeSignature(header)
	if err != nil {
		return err
	}

	age := p.now().Sub(time.Unix(timestamp, 0))
	if age > p.tolerance || age < -p.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}

	signed := fmt.Sprintf("%d.%s", timestamp, rawBody)
	for _, sig := range signatures {
		if verifyHexHMAC(p.secret, []byte(signed), sig) == nil {
			return nil
		}
	}
	return ErrBadSignature
}

func parseStripeSignature(header string) (int64, []string, error) {
	var timestamp int64
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: malformed timestamp", ErrBadSignature)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: signature header incomplete", ErrBadSignature)
	}
	return timestamp, signatures, nil
}

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Account string `json:"account"`
	Data    struct {
		Object map[string]any `json:"object"`
	} `json:"data"`
}

func (p *StripeProvider) Normalize(_ http.Header, rawBody []byte) (*models.Event, error) {
	var envelope stripeEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return nil, fmt.Errorf("parse stripe payload: %w", err)
	}

	event := &models.Event{
		ID:      idgen.Event(),
		Type:    stripeEventType(envelope.Type),
		Version: "1.0.0",
		Time:    time.Now().UTC(),
		Source:  "stripe",
		Metadata: map[string]string{
			"provider":        "stripe",
			"tenant_key":      stripeTenantKey(envelope),
			"topic":           envelope.Type,
			"stripe_event_id": envelope.ID,
		},
	}

	object := envelope.Data.Object
	switch event.Type {
	case "invoice.paid":
		data := models.Data{
			"invoice_id": stringify(object["id"]),
			"currency":   strings.ToUpper(stringify(object["currency"])),
		}
		if cents, ok := object["amount_paid"].(float64); ok {
			data["amount"] = cents / 100
		}
		event.Data = data
	case "user.registered":
		event.Data = models.Data{
			"user_id": stringify(object["id"]),
			"email":   stringify(object["email"]),
			"name":    stringify(object["name"]),
		}
	default:
		event.Data = models.Data(object)
	}
	return event, nil
}

func stripeEventType(stripeType string) string {
	switch stripeType {
	case "invoice.paid", "invoice.payment_succeeded":
		return "invoice.paid"
	case "customer.created":
		return "user.registered"
	default:
		return stripeType
	}
}

// stripeTenantKey prefers the connected account id, falling back to a
// site_id stashed in the object's metadata by the storefront integration.
func stripeTenantKey(envelope stripeEnvelope) string {
	if envelope.Account != "" {
		return envelope.Account
	}
	if meta, ok := envelope.Data.Object["metadata"].(map[string]any); ok {
		return stringify(meta["site_id"])
	}
	return ""
}

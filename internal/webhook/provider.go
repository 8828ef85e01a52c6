package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/pulseproof/pulseproof/internal/models"
)

var (
	// ErrMissingHeader means the request cannot be authenticated because a
	// required provider header is absent. Maps to 400.
	ErrMissingHeader = fmt.Errorf("missing required webhook header")
	// ErrBadSignature means the HMAC did not match. Maps to 401.
	ErrBadSignature = fmt.Errorf("webhook signature verification failed")
)

// Provider verifies and normalizes webhooks from one commerce platform.
// Verify must be called on the raw request body, before any JSON parsing.
type Provider interface {
	Name() string
	Verify(headers http.Header, rawBody []byte) error
	Normalize(headers http.Header, rawBody []byte) (*models.Event, error)
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[strings.ToLower(name)]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

func hmacSHA256(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// verifyBase64HMAC compares a base64-encoded HMAC-SHA256 digest in constant
// time.
func verifyBase64HMAC(secret string, body []byte, received string) error {
	expected := base64.StdEncoding.EncodeToString(hmacSHA256(secret, body))
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return ErrBadSignature
	}
	return nil
}

// verifyHexHMAC compares a hex-encoded HMAC-SHA256 digest in constant time.
func verifyHexHMAC(secret string, body []byte, received string) error {
	expected := hex.EncodeToString(hmacSHA256(secret, body))
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return ErrBadSignature
	}
	return nil
}

// eventTypeFromTopic converts a provider topic like "orders/create" into a
// canonical event type like "order.created".
func eventTypeFromTopic(topic string) string {
	resource, action, found := strings.Cut(topic, "/")
	if !found {
		return strings.ReplaceAll(topic, "/", ".")
	}
	resource = strings.TrimSuffix(resource, "s")
	switch action {
	case "create":
		action = "created"
	case "update", "updated":
		action = "updated"
	case "delete":
		action = "deleted"
	case "cancelled", "cancel":
		action = "cancelled"
	}
	return resource + "." + action
}

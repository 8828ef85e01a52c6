package models

import (
	"encoding/json"
	"time"
)

// TargetingRule is a single predicate evaluated against event data.
// Field uses dot notation into Event.Data (e.g. "total_price").
type TargetingRule struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"` // eq, neq, gt, gte, lt, lte, contains, exists
	Value    interface{} `json:"value,omitempty"`
}

// Targeting is the conjunction of its rules; an empty set matches everything.
type Targeting struct {
	Rules []TargetingRule `json:"rules,omitempty"`
}

// Template is a site-scoped notification template. Versioned by UpdatedAt;
// the renderer caches compiled templates keyed on (ID, UpdatedAt).
type Template struct {
	ID           string    `json:"id"`
	SiteID       string    `json:"site_id"`
	EventType    string    `json:"event_type"`
	Channels     []string  `json:"channels"`
	HTML         string    `json:"html"`
	CSS          string    `json:"css,omitempty"`
	TextFallback string    `json:"text_fallback,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Targeting    Targeting `json:"targeting"`
	ABTestID     string    `json:"ab_test_id,omitempty"`
	Active       bool      `json:"active"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (t *Template) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

func (t *Template) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

// ABTest routes a share of traffic from a control template to a variant.
// TrafficSplit is the percentage (0-100) served the variant.
type ABTest struct {
	ID                string    `json:"id"`
	SiteID            string    `json:"site_id"`
	TemplateID        string    `json:"template_id"`
	VariantTemplateID string    `json:"variant_template_id"`
	TrafficSplit      int       `json:"traffic_split"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
}

func (t *ABTest) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

func (t *ABTest) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, t)
}

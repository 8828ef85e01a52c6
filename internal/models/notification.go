package models

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	NotificationStatusPending   = "pending"
	NotificationStatusFiltered  = "filtered"
	NotificationStatusDelivered = "delivered"
	NotificationStatusFailed    = "failed"
)

var notificationTransitions = map[string][]string{
	NotificationStatusPending: {
		NotificationStatusFiltered,
		NotificationStatusDelivered,
		NotificationStatusFailed,
	},
	// filtered, delivered, failed are terminal
}

// RenderedContent is the output of rendering a template against an event.
type RenderedContent struct {
	HTML     string            `json:"html"`
	CSS      string            `json:"css"`
	Text     string            `json:"text,omitempty"`
	Subject  string            `json:"subject,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Notification is a materialized record of a template applied to an event.
// Status moves through a fixed DAG: pending -> (filtered | delivered | failed).
type Notification struct {
	ID         string           `json:"id"`
	SiteID     string           `json:"site_id"`
	TemplateID string           `json:"template_id"`
	EventID    string           `json:"event_id"`
	EventType  string           `json:"event_type"`
	Channels   []string         `json:"channels"`
	Status     string           `json:"status"`
	Content    *RenderedContent `json:"content,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

var ErrInvalidStatusTransition = fmt.Errorf("invalid notification status transition")

// TransitionTo moves the notification to the given status. Terminal statuses
// cannot be left; pending can only move forward.
func (n *Notification) TransitionTo(status string) error {
	for _, allowed := range notificationTransitions[n.Status] {
		if allowed == status {
			n.Status = status
			n.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, n.Status, status)
}

// Terminal reports whether the notification is in a terminal status.
func (n *Notification) Terminal() bool {
	return len(notificationTransitions[n.Status]) == 0
}

func (n *Notification) MarshalBinary() ([]byte, error) {
	return json.Marshal(n)
}

func (n *Notification) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, n)
}

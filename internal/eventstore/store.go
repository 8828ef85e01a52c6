package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pulseproof/pulseproof/internal/models"
)

type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

const defaultQueryLimit = 100

var (
	ErrNotFound    = fmt.Errorf("event not found")
	ErrDuplicateID = fmt.Errorf("event ID already stored")
)

// Filter narrows queries and streams. Zero-value fields match everything;
// From and To bound the event timestamp inclusively.
type Filter struct {
	EventTypes     []string
	OrganizationID string
	SiteID         string
	UserID         string
	SessionID      string
	CorrelationID  string
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
	SortOrder      SortOrder
}

// Matches reports whether an event passes every predicate of the filter.
// Limit, Offset and SortOrder are pagination concerns and do not apply.
func (f *Filter) Matches(event *models.Event) bool {
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, event.Type) {
		return false
	}
	if f.OrganizationID != "" && event.OrganizationID != f.OrganizationID {
		return false
	}
	if f.SiteID != "" && event.SiteID != f.SiteID {
		return false
	}
	if f.UserID != "" && event.UserID != f.UserID {
		return false
	}
	if f.SessionID != "" && event.SessionID != f.SessionID {
		return false
	}
	if f.CorrelationID != "" && event.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.From.IsZero() && event.Time.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && event.Time.After(f.To) {
		return false
	}
	return true
}

func (f *Filter) limit() int {
	if f.Limit <= 0 {
		return defaultQueryLimit
	}
	return f.Limit
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// QueryResult is one page of matching events with pagination cursors.
type QueryResult struct {
	Events     []*models.Event `json:"events"`
	TotalCount int             `json:"total_count"`
	HasMore    bool            `json:"has_more"`
	NextOffset int             `json:"next_offset"`
}

// Stats summarizes store contents for the health surface.
type Stats struct {
	TotalEvents  int64            `json:"total_events"`
	EventsByType map[string]int64 `json:"events_by_type"`
	OldestEvent  time.Time        `json:"oldest_event,omitempty"`
	NewestEvent  time.Time        `json:"newest_event,omitempty"`
}

// Store persists canonical events and serves historical queries and streams.
type Store interface {
	Store(ctx context.Context, event *models.Event) error
	StoreBatch(ctx context.Context, events []*models.Event) error
	FindByID(ctx context.Context, id string) (*models.Event, error)
	FindByCorrelationID(ctx context.Context, correlationID string) ([]*models.Event, error)
	Query(ctx context.Context, filter *Filter) (*QueryResult, error)
	// Stream returns matching events in timestamp order on a channel that is
	// closed when the range is exhausted or the context is cancelled. Limit
	// and Offset are ignored; the full range is streamed.
	Stream(ctx context.Context, filter *Filter) (<-chan *models.Event, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

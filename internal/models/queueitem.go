package models

import (
	"encoding/json"
	"time"
)

const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// PriorityWeight divides the scheduled time for non-urgent items so that
// higher priorities sort first at the same scheduled time.
func PriorityWeight(priority string) float64 {
	switch priority {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

const (
	DeadLetterReasonMaxRetries = "max_retries_exceeded"
	DeadLetterReasonExpired    = "expired"
	DeadLetterReasonPoison     = "poison"
)

// QueueItem is a unit of notification delivery work. At most one live copy
// exists per (channel, notification ID).
type QueueItem struct {
	NotificationID string          `json:"notification_id"`
	SiteID         string          `json:"site_id"`
	Channel        string          `json:"channel"`
	Priority       string          `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
}

// Score computes the sorted-set score for the item. Lower score means higher
// priority: the scheduled time is divided by the priority weight, and urgent
// items subtract a constant on top so they sort ahead of anything else queued
// for the same moment.
func (i *QueueItem) Score() float64 {
	scheduledMs := float64(i.ScheduledFor.UnixMilli()) / PriorityWeight(i.Priority)
	if i.Priority == PriorityUrgent {
		return scheduledMs - 1_000_000
	}
	return scheduledMs
}

// ScheduledTimeFromScore inverts Score, recovering the scheduled time in
// milliseconds. Used by the expiry sweeper to age items by score alone.
func (i *QueueItem) ScheduledTimeFromScore(score float64) time.Time {
	if i.Priority == PriorityUrgent {
		score += 1_000_000
	}
	return time.UnixMilli(int64(score * PriorityWeight(i.Priority)))
}

// DLQItem is a queue item that exhausted retries, expired, or poisoned the
// worker. Retained for a bounded TTL for inspection and manual requeue.
type DLQItem struct {
	QueueItem
	Reason  string    `json:"reason"`
	MovedAt time.Time `json:"moved_at"`
}

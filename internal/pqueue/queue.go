package pqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulseproof/pulseproof/internal/backoff"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/models"
	r "github.com/pulseproof/pulseproof/internal/redis"
	"go.uber.org/zap"
)

const (
	queueKeyPrefix = "pulseproof:queue:"
	dlqKeyPrefix   = "pulseproof:queue:dlq:"
	channelSetKey  = "pulseproof:queue:channels"

	defaultQueueTTL   = 24 * time.Hour
	defaultDLQTTL     = 7 * 24 * time.Hour
	defaultMaxRetries = 3
	defaultExpiryAge  = time.Hour

	// Extra members popped beyond the requested batch so high-priority items
	// scheduled for later cannot shadow ready ones behind them.
	dequeueSlack = 8
)

// dequeueScript pops up to ARGV[2] members with score at most ARGV[1]. Pop
// and remove are atomic so concurrent workers never share an item.
const dequeueScript = `
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #items > 0 then
	redis.call('ZREM', KEYS[1], unpack(items))
end
return items
`

// Stats summarizes one channel's queue.
type Stats struct {
	Total      int64 `json:"total"`
	Ready      int64 `json:"ready"`
	Scheduled  int64 `json:"scheduled"`
	DeadLetter int64 `json:"dead_letter"`
}

type QueueOption func(*Queue)

func WithQueueTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) { q.queueTTL = ttl }
}

func WithDLQTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) { q.dlqTTL = ttl }
}

func WithMaxRetries(max int) QueueOption {
	return func(q *Queue) { q.maxRetries = max }
}

func WithRetryBackoff(b backoff.Backoff) QueueOption {
	return func(q *Queue) { q.retryBackoff = b }
}

func WithExpiryAge(age time.Duration) QueueOption {
	return func(q *Queue) { q.expiryAge = age }
}

func withClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// Queue is a per-channel priority queue on Redis sorted sets. Members are
// JSON queue items, scores encode priority and scheduled time, lower pops
// first. Exhausted and stale items move to a per-channel dead letter set.
type Queue struct {
	client       r.Client
	logger       *logging.Logger
	queueTTL     time.Duration
	dlqTTL       time.Duration
	maxRetries   int
	expiryAge    time.Duration
	retryBackoff backoff.Backoff
	now          func() time.Time
}

func New(client r.Client, logger *logging.Logger, opts ...QueueOption) *Queue {
	q := &Queue{
		client:     client,
		logger:     logger,
		queueTTL:   defaultQueueTTL,
		dlqTTL:     defaultDLQTTL,
		maxRetries: defaultMaxRetries,
		expiryAge:  defaultExpiryAge,
		retryBackoff: &backoff.ExponentialBackoff{
			Interval: time.Second,
			Base:     2,
			Max:      5 * time.Minute,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func queueKey(channel string) string { return queueKeyPrefix + channel }
func dlqKey(channel string) string   { return dlqKeyPrefix + channel }

// Enqueue adds an item to its channel queue. Zero-value scheduling fields
// are defaulted; invalid items are rejected before touching Redis.
func (q *Queue) Enqueue(ctx context.Context, item *models.QueueItem) error {
	if item.NotificationID == "" || item.SiteID == "" || item.Channel == "" {
		return fmt.Errorf("queue item requires notification_id, site_id, and channel")
	}
	if item.Priority == "" {
		item.Priority = models.PriorityNormal
	}
	now := q.now()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	if item.ScheduledFor.IsZero() {
		item.ScheduledFor = now
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = q.maxRetries
	}

	member, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item %s: %w", item.NotificationID, err)
	}

	key := queueKey(item.Channel)
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, key, r.Z{Score: item.Score(), Member: string(member)})
	pipe.Expire(ctx, key, q.queueTTL)
	pipe.SAdd(ctx, channelSetKey, item.Channel)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue to %s: %w", item.Channel, err)
	}
	return nil
}

// Dequeue pops up to n of the highest-priority ready items, or nil when
// nothing is due. Items popped ahead of their scheduled time are put back
// untouched. Un-parseable members are dropped so they cannot wedge the
// channel.
func (q *Queue) Dequeue(ctx context.Context, channel string, n int) ([]*models.QueueItem, error) {
	if n <= 0 {
		n = 1
	}
	now := q.now()
	maxScore := fmt.Sprintf("%d", now.UnixMilli())

	raw, err := q.client.Eval(ctx, dequeueScript, []string{queueKey(channel)}, maxScore, n+dequeueSlack).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", channel, err)
	}
	members, _ := raw.([]interface{})
	if len(members) == 0 {
		return nil, nil
	}

	var picked []*models.QueueItem
	var putBack []r.Z
	for _, m := range members {
		member, _ := m.(string)
		item := &models.QueueItem{}
		if err := json.Unmarshal([]byte(member), item); err != nil {
			q.logger.Ctx(ctx).Error("dropping unparseable queue item",
				zap.String("channel", channel),
				zap.Error(err))
			continue
		}
		if len(picked) < n && !item.ScheduledFor.After(now) {
			picked = append(picked, item)
			continue
		}
		putBack = append(putBack, r.Z{Score: item.Score(), Member: member})
	}
	if len(putBack) > 0 {
		if err := q.client.ZAdd(ctx, queueKey(channel), putBack...).Err(); err != nil {
			return nil, fmt.Errorf("restore queue items to %s: %w", channel, err)
		}
	}
	return picked, nil
}

// Requeue schedules a failed item for another attempt with backoff. Once the
// retry budget is exhausted the item moves to the dead letter queue instead.
func (q *Queue) Requeue(ctx context.Context, item *models.QueueItem) error {
	item.RetryCount++
	if item.RetryCount > item.MaxRetries {
		return q.DeadLetter(ctx, item, models.DeadLetterReasonMaxRetries)
	}
	item.ScheduledFor = q.now().Add(q.retryBackoff.Duration(item.RetryCount))
	member, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item %s: %w", item.NotificationID, err)
	}
	key := queueKey(item.Channel)
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, key, r.Z{Score: item.Score(), Member: string(member)})
	pipe.Expire(ctx, key, q.queueTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue to %s: %w", item.Channel, err)
	}
	q.logger.Ctx(ctx).Info("queue item requeued",
		zap.String("notification_id", item.NotificationID),
		zap.String("channel", item.Channel),
		zap.Int("retry_count", item.RetryCount),
		zap.Time("scheduled_for", item.ScheduledFor))
	return nil
}

// DeadLetter moves an item to the channel's DLQ with the given reason.
func (q *Queue) DeadLetter(ctx context.Context, item *models.QueueItem, reason string) error {
	entry := &models.DLQItem{QueueItem: *item, Reason: reason, MovedAt: q.now()}
	member, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq item %s: %w", item.NotificationID, err)
	}
	key := dlqKey(item.Channel)
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, key, r.Z{Score: float64(entry.MovedAt.UnixMilli()), Member: string(member)})
	pipe.Expire(ctx, key, q.dlqTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead letter to %s: %w", item.Channel, err)
	}
	q.logger.Ctx(ctx).Warn("queue item dead lettered",
		zap.String("notification_id", item.NotificationID),
		zap.String("channel", item.Channel),
		zap.String("reason", reason),
		zap.Int("retry_count", item.RetryCount))
	return nil
}

// Peek returns up to limit items in priority order without removing them.
// A non-positive limit returns everything.
func (q *Queue) Peek(ctx context.Context, channel string, limit int64) ([]*models.QueueItem, error) {
	end := limit - 1
	if limit <= 0 {
		end = -1
	}
	members, err := q.client.ZRange(ctx, queueKey(channel), 0, end).Result()
	if err != nil {
		return nil, fmt.Errorf("peek %s: %w", channel, err)
	}
	items := make([]*models.QueueItem, 0, len(members))
	for _, member := range members {
		item := &models.QueueItem{}
		if err := json.Unmarshal([]byte(member), item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Remove deletes any queued copies of a notification from a channel.
func (q *Queue) Remove(ctx context.Context, channel, notificationID string) (bool, error) {
	members, err := q.client.ZRange(ctx, queueKey(channel), 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("remove from %s: %w", channel, err)
	}
	removed := false
	for _, member := range members {
		item := &models.QueueItem{}
		if err := json.Unmarshal([]byte(member), item); err != nil {
			continue
		}
		if item.NotificationID != notificationID {
			continue
		}
		if err := q.client.ZRem(ctx, queueKey(channel), member).Err(); err != nil {
			return removed, fmt.Errorf("remove from %s: %w", channel, err)
		}
		removed = true
	}
	return removed, nil
}

// Clear drops the whole channel queue. The DLQ is left intact.
func (q *Queue) Clear(ctx context.Context, channel string) error {
	if err := q.client.Del(ctx, queueKey(channel)).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", channel, err)
	}
	return nil
}

// ProcessExpired sweeps items whose scheduled time is older than the expiry
// age into the DLQ. Returns the number of items moved.
func (q *Queue) ProcessExpired(ctx context.Context, channel string) (int, error) {
	members, err := q.client.ZRange(ctx, queueKey(channel), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", channel, err)
	}
	cutoff := q.now().Add(-q.expiryAge)
	moved := 0
	for _, member := range members {
		item := &models.QueueItem{}
		if err := json.Unmarshal([]byte(member), item); err != nil {
			continue
		}
		if item.ScheduledFor.After(cutoff) {
			continue
		}
		if err := q.client.ZRem(ctx, queueKey(channel), member).Err(); err != nil {
			return moved, fmt.Errorf("sweep %s: %w", channel, err)
		}
		if err := q.DeadLetter(ctx, item, models.DeadLetterReasonExpired); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// ChannelStats reports queue depth split into ready and scheduled, plus the
// DLQ size.
func (q *Queue) ChannelStats(ctx context.Context, channel string) (*Stats, error) {
	items, err := q.Peek(ctx, channel, -1)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Total: int64(len(items))}
	now := q.now()
	for _, item := range items {
		if item.ScheduledFor.After(now) {
			stats.Scheduled++
		} else {
			stats.Ready++
		}
	}
	stats.DeadLetter, err = q.client.ZCard(ctx, dlqKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("stats for %s: %w", channel, err)
	}
	return stats, nil
}

// DeadLetterItems lists up to limit DLQ entries, most recently moved first.
func (q *Queue) DeadLetterItems(ctx context.Context, channel string, limit int64) ([]*models.DLQItem, error) {
	members, err := q.client.ZRevRange(ctx, dlqKey(channel), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq items for %s: %w", channel, err)
	}
	items := make([]*models.DLQItem, 0, len(members))
	for _, member := range members {
		item := &models.DLQItem{}
		if err := json.Unmarshal([]byte(member), item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Channels lists every channel that has ever been enqueued to and has not
// expired from the registry.
func (q *Queue) Channels(ctx context.Context) ([]string, error) {
	channels, err := q.client.SMembers(ctx, channelSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channels, nil
}

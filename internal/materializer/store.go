package materializer

import (
	"context"
	"fmt"
	"time"

	"github.com/pulseproof/pulseproof/internal/models"
	r "github.com/pulseproof/pulseproof/internal/redis"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = fmt.Errorf("entity not found")

// TemplateStore persists site-scoped templates.
type TemplateStore interface {
	UpsertTemplate(ctx context.Context, template *models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	ListActiveTemplates(ctx context.Context, siteID, eventType string) ([]*models.Template, error)
	DeleteTemplate(ctx context.Context, id string) error
}

// NotificationStore persists materialized notifications.
type NotificationStore interface {
	SaveNotification(ctx context.Context, notification *models.Notification) error
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	ListSiteNotifications(ctx context.Context, siteID string, limit int64) ([]*models.Notification, error)
}

// ABTestStore persists A/B test definitions.
type ABTestStore interface {
	UpsertABTest(ctx context.Context, test *models.ABTest) error
	ActiveTestsForTemplate(ctx context.Context, siteID, templateID string) ([]*models.ABTest, error)
}

// MaterializationGuard deduplicates (event, template) materializations; the
// bus is at-least-once, so redelivered events must not mint new notifications.
type MaterializationGuard interface {
	ClaimMaterialization(ctx context.Context, eventID, templateID string) (bool, error)
}

const (
	templateKeyPrefix     = "pulseproof:template:"
	notificationKeyPrefix = "pulseproof:notification:"
	abtestKeyPrefix       = "pulseproof:abtest:"

	siteTemplatesKeyFmt     = "pulseproof:site:%s:templates"
	siteNotificationsKeyFmt = "pulseproof:site:%s:notifications"
	siteABTestsKeyFmt       = "pulseproof:site:%s:abtests"
	materializedKeyFmt      = "pulseproof:materialized:%s:%s"

	notificationTTL = 30 * 24 * time.Hour
	materializedTTL = 24 * time.Hour
)

// RedisStore implements the three stores on Redis: one JSON value per entity
// plus a per-site index set for listing.
type RedisStore struct {
	client r.Client
}

var (
	_ TemplateStore        = &RedisStore{}
	_ NotificationStore    = &RedisStore{}
	_ ABTestStore          = &RedisStore{}
	_ MaterializationGuard = &RedisStore{}
)

func NewRedisStore(client r.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) UpsertTemplate(ctx context.Context, template *models.Template) error {
	if template.ID == "" || template.SiteID == "" {
		return fmt.Errorf("template requires id and site_id")
	}
	template.UpdatedAt = time.Now()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, templateKeyPrefix+template.ID, template, 0)
	pipe.SAdd(ctx, fmt.Sprintf(siteTemplatesKeyFmt, template.SiteID), template.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert template %s: %w", template.ID, err)
	}
	return nil
}

func (s *RedisStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	raw, err := s.client.Get(ctx, templateKeyPrefix+id).Bytes()
	if err == r.Nil {
		return nil, fmt.Errorf("%w: template %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	template := &models.Template{}
	if err := template.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", id, err)
	}
	return template, nil
}

func (s *RedisStore) ListActiveTemplates(ctx context.Context, siteID, eventType string) ([]*models.Template, error) {
	ids, err := s.client.SMembers(ctx, fmt.Sprintf(siteTemplatesKeyFmt, siteID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list templates for %s: %w", siteID, err)
	}
	templates := make([]*models.Template, 0, len(ids))
	for _, id := range ids {
		template, err := s.GetTemplate(ctx, id)
		if err != nil {
			continue
		}
		if !template.Active || template.EventType != eventType {
			continue
		}
		templates = append(templates, template)
	}
	return templates, nil
}

func (s *RedisStore) DeleteTemplate(ctx context.Context, id string) error {
	template, err := s.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, templateKeyPrefix+id)
	pipe.SRem(ctx, fmt.Sprintf(siteTemplatesKeyFmt, template.SiteID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) SaveNotification(ctx context.Context, notification *models.Notification) error {
	if notification.ID == "" || notification.SiteID == "" {
		return fmt.Errorf("notification requires id and site_id")
	}
	key := fmt.Sprintf(siteNotificationsKeyFmt, notification.SiteID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, notificationKeyPrefix+notification.ID, notification, notificationTTL)
	pipe.LRem(ctx, key, 0, notification.ID)
	pipe.LPush(ctx, key, notification.ID)
	pipe.LTrim(ctx, key, 0, 999)
	pipe.Expire(ctx, key, notificationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save notification %s: %w", notification.ID, err)
	}
	return nil
}

func (s *RedisStore) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	raw, err := s.client.Get(ctx, notificationKeyPrefix+id).Bytes()
	if err == r.Nil {
		return nil, fmt.Errorf("%w: notification %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %s: %w", id, err)
	}
	notification := &models.Notification{}
	if err := notification.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode notification %s: %w", id, err)
	}
	return notification, nil
}

// ListSiteNotifications returns the most recently saved notifications first.
func (s *RedisStore) ListSiteNotifications(ctx context.Context, siteID string, limit int64) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.LRange(ctx, fmt.Sprintf(siteNotificationsKeyFmt, siteID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", siteID, err)
	}
	notifications := make([]*models.Notification, 0, len(ids))
	for _, id := range ids {
		notification, err := s.GetNotification(ctx, id)
		if err != nil {
			continue
		}
		notifications = append(notifications, notification)
	}
	return notifications, nil
}

// ClaimMaterialization marks the (event, template) pair as materialized. The
// first caller wins; redeliveries see false.
func (s *RedisStore) ClaimMaterialization(ctx context.Context, eventID, templateID string) (bool, error) {
	key := fmt.Sprintf(materializedKeyFmt, eventID, templateID)
	claimed, err := s.client.SetNX(ctx, key, 1, materializedTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim materialization %s/%s: %w", eventID, templateID, err)
	}
	return claimed, nil
}

func (s *RedisStore) UpsertABTest(ctx context.Context, test *models.ABTest) error {
	if test.ID == "" || test.SiteID == "" || test.TemplateID == "" {
		return fmt.Errorf("ab test requires id, site_id, and template_id")
	}
	if test.TrafficSplit < 0 || test.TrafficSplit > 100 {
		return fmt.Errorf("ab test traffic_split must be 0-100, got %d", test.TrafficSplit)
	}
	if test.CreatedAt.IsZero() {
		test.CreatedAt = time.Now()
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, abtestKeyPrefix+test.ID, test, 0)
	pipe.SAdd(ctx, fmt.Sprintf(siteABTestsKeyFmt, test.SiteID), test.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert ab test %s: %w", test.ID, err)
	}
	return nil
}

func (s *RedisStore) ActiveTestsForTemplate(ctx context.Context, siteID, templateID string) ([]*models.ABTest, error) {
	ids, err := s.client.SMembers(ctx, fmt.Sprintf(siteABTestsKeyFmt, siteID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list ab tests for %s: %w", siteID, err)
	}
	tests := make([]*models.ABTest, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, abtestKeyPrefix+id).Bytes()
		if err != nil {
			continue
		}
		test := &models.ABTest{}
		if err := test.UnmarshalBinary(raw); err != nil {
			continue
		}
		if !test.Active || test.TemplateID != templateID {
			continue
		}
		tests = append(tests, test)
	}
	return tests, nil
}

package materializer_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/materializer"
	"github.com/pulseproof/pulseproof/internal/models"
	r "github.com/pulseproof/pulseproof/internal/redis"
	"github.com/pulseproof/pulseproof/internal/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureQueue struct {
	mu    sync.Mutex
	items []*models.QueueItem
	err   error
}

func (q *captureQueue) Enqueue(_ context.Context, item *models.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

type fixture struct {
	store *materializer.RedisStore
	queue *captureQueue
	mat   *materializer.Materializer
}

func newFixture(t *testing.T, ruleOpts []materializer.RuleEngineOption, opts ...materializer.MaterializerOption) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	client, err := r.New(context.Background(), &r.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	logger := logging.NewNop()
	store := materializer.NewRedisStore(client)
	queue := &captureQueue{}
	mat := materializer.New(
		store,
		render.NewRenderer(logger),
		queue,
		materializer.NewRuleEngine(client, logger, ruleOpts...),
		logger,
		opts...,
	)
	return &fixture{store: store, queue: queue, mat: mat}
}

func activeTemplate(id string) *models.Template {
	return &models.Template{
		ID:        id,
		SiteID:    "site_1",
		EventType: "order.created",
		Channels:  []string{"site:site_1"},
		HTML:      `<p>{{customer_name}} bought for {{currency total_price}}</p>`,
		Active:    true,
	}
}

func orderEvent(id string) *models.Event {
	return &models.Event{
		ID:             id,
		Type:           "order.created",
		Version:        "1.1.0",
		Time:           time.Now(),
		Source:         "shopify",
		OrganizationID: "org_1",
		SiteID:         "site_1",
		UserID:         "user_1",
		Data: models.Data{
			"order_id":      "1001",
			"customer_name": "Jane Doe",
			"total_price":   "49.99",
			"currency":      "USD",
		},
	}
}

func TestMaterializer_HappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertTemplate(ctx, activeTemplate("tpl_1")))

	notifications, err := f.mat.Process(ctx, orderEvent("evt_1"))
	require.NoError(t, err)
	require.Len(t, notifications, 1)

	notification := notifications[0]
	assert.Equal(t, models.NotificationStatusPending, notification.Status)
	assert.Equal(t, "tpl_1", notification.TemplateID)
	require.NotNil(t, notification.Content)
	assert.Contains(t, notification.Content.HTML, "Jane Doe")

	require.Len(t, f.queue.items, 1)
	item := f.queue.items[0]
	assert.Equal(t, "site:site_1", item.Channel)
	assert.Equal(t, models.PriorityHigh, item.Priority, "order events are high priority")

	var payload materializer.DeliveryPayload
	require.NoError(t, json.Unmarshal(item.Payload, &payload))
	assert.Equal(t, notification.ID, payload.NotificationID)
	assert.Contains(t, payload.Content.HTML, "$49.99")
	assert.Equal(t, "Jane Doe", payload.Data["customer_name"], "payload carries the event data for widget rendering")
	assert.Equal(t, "1001", payload.Data["order_id"])

	stored, err := f.store.GetNotification(ctx, notification.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationStatusPending, stored.Status)
}

func TestMaterializer_NoTemplatesNoNotifications(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	notifications, err := f.mat.Process(context.Background(), orderEvent("evt_1"))
	require.NoError(t, err)
	assert.Empty(t, notifications)
	assert.Empty(t, f.queue.items)
}

func TestMaterializer_TargetingFilters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	template := activeTemplate("tpl_1")
	template.Targeting = models.Targeting{Rules: []models.TargetingRule{
		{Field: "total_price", Operator: "gt", Value: 100},
	}}
	require.NoError(t, f.store.UpsertTemplate(ctx, template))

	notifications, err := f.mat.Process(ctx, orderEvent("evt_1"))
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, models.NotificationStatusFiltered, notifications[0].Status)
	assert.Empty(t, f.queue.items, "filtered notifications are never enqueued")
}

func TestMaterializer_FrequencyCapFilters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []materializer.RuleEngineOption{
		materializer.WithFrequencyCap(materializer.FrequencyCapConfig{Max: 1, Window: time.Hour}),
	})
	ctx := context.Background()
	require.NoError(t, f.store.UpsertTemplate(ctx, activeTemplate("tpl_1")))

	first, err := f.mat.Process(ctx, orderEvent("evt_1"))
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, models.NotificationStatusPending, first[0].Status)

	second, err := f.mat.Process(ctx, orderEvent("evt_2"))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, models.NotificationStatusFiltered, second[0].Status)
}

func TestMaterializer_RenderFailureMarksFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	template := activeTemplate("tpl_1")
	template.HTML = `{{#if vip}}unterminated`
	require.NoError(t, f.store.UpsertTemplate(ctx, template))

	notifications, err := f.mat.Process(ctx, orderEvent("evt_1"))
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, models.NotificationStatusFailed, notifications[0].Status)
	assert.Empty(t, f.queue.items)
}

func TestMaterializer_EnqueueFailureMarksFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.queue.err = errors.New("redis down")
	ctx := context.Background()
	require.NoError(t, f.store.UpsertTemplate(ctx, activeTemplate("tpl_1")))

	notifications, err := f.mat.Process(ctx, orderEvent("evt_1"))
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, models.NotificationStatusFailed, notifications[0].Status)
}

func TestMaterializer_ABTestFullSplitUsesVariant(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	control := activeTemplate("tpl_control")
	variant := activeTemplate("tpl_variant")
	variant.HTML = `<p>Variant copy for {{customer_name}}</p>`
	require.NoError(t, f.store.UpsertTemplate(ctx, control))
	require.NoError(t, f.store.UpsertTemplate(ctx, variant))
	require.NoError(t, f.store.UpsertABTest(ctx, &models.ABTest{
		ID: "ab_1", SiteID: "site_1",
		TemplateID: "tpl_control", VariantTemplateID: "tpl_variant",
		TrafficSplit: 100, Active: true,
	}))

	notifications, err := f.mat.Process(ctx, orderEvent("evt_1"))
	require.NoError(t, err)

	// Both stored templates are active for the event type; find the control's
	// materialization.
	var fromControl *models.Notification
	for _, n := range notifications {
		if n.TemplateID == "tpl_variant" {
			fromControl = n
		}
	}
	require.NotNil(t, fromControl, "100% split must route the control to the variant template")
	assert.Contains(t, fromControl.Content.HTML, "Variant copy")
}

func TestMaterializer_ABTestZeroSplitKeepsControl(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	control := activeTemplate("tpl_control")
	require.NoError(t, f.store.UpsertTemplate(ctx, control))
	require.NoError(t, f.store.UpsertABTest(ctx, &models.ABTest{
		ID: "ab_1", SiteID: "site_1",
		TemplateID: "tpl_control", VariantTemplateID: "tpl_missing",
		TrafficSplit: 0, Active: true,
	}))

	notifications, err := f.mat.Process(ctx, orderEvent("evt_1"))
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.Equal(t, "tpl_control", notifications[0].TemplateID)
}

func TestMaterializer_RedeliveredEventMaterializedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertTemplate(ctx, activeTemplate("tpl_1")))

	first, err := f.mat.Process(ctx, orderEvent("evt_1"))
	require.NoError(t, err)
	require.Len(t, first, 1)

	// The bus is at-least-once; a redelivered event must not mint a second
	// notification or queue item.
	second, err := f.mat.Process(ctx, orderEvent("evt_1"))
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Len(t, f.queue.items, 1)

	listed, err := f.store.ListSiteNotifications(ctx, "site_1", 10)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestRedisStore_ClaimMaterialization(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	claimed, err := f.store.ClaimMaterialization(ctx, "evt_1", "tpl_1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = f.store.ClaimMaterialization(ctx, "evt_1", "tpl_1")
	require.NoError(t, err)
	assert.False(t, claimed, "second claim for the same pair loses")

	claimed, err = f.store.ClaimMaterialization(ctx, "evt_1", "tpl_2")
	require.NoError(t, err)
	assert.True(t, claimed, "claims are scoped per template")
}

func TestMaterializer_EventWithoutSiteSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	event := orderEvent("evt_1")
	event.SiteID = ""

	notifications, err := f.mat.Process(context.Background(), event)
	require.NoError(t, err)
	assert.Empty(t, notifications)
}

func TestRedisStore_TemplateRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	template := activeTemplate("tpl_1")
	require.NoError(t, f.store.UpsertTemplate(ctx, template))

	got, err := f.store.GetTemplate(ctx, "tpl_1")
	require.NoError(t, err)
	assert.Equal(t, template.HTML, got.HTML)
	assert.False(t, got.UpdatedAt.IsZero())

	inactive := activeTemplate("tpl_2")
	inactive.Active = false
	require.NoError(t, f.store.UpsertTemplate(ctx, inactive))

	otherType := activeTemplate("tpl_3")
	otherType.EventType = "user.registered"
	require.NoError(t, f.store.UpsertTemplate(ctx, otherType))

	active, err := f.store.ListActiveTemplates(ctx, "site_1", "order.created")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "tpl_1", active[0].ID)

	require.NoError(t, f.store.DeleteTemplate(ctx, "tpl_1"))
	_, err = f.store.GetTemplate(ctx, "tpl_1")
	require.ErrorIs(t, err, materializer.ErrNotFound)
}

func TestRedisStore_NotificationList(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{"not_1", "not_2", "not_3"} {
		require.NoError(t, f.store.SaveNotification(ctx, &models.Notification{
			ID: id, SiteID: "site_1", Status: models.NotificationStatusPending,
		}))
	}

	listed, err := f.store.ListSiteNotifications(ctx, "site_1", 2)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "not_3", listed[0].ID, "most recent first")
}

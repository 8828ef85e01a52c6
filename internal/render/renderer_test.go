package render_test

import (
	"context"
	"testing"
	"time"

	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/models"
	"github.com/pulseproof/pulseproof/internal/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderTemplate() *models.Template {
	return &models.Template{
		ID:        "tpl_1",
		SiteID:    "site_1",
		EventType: "order.created",
		Channels:  []string{"site:site_1"},
		HTML:      `<p><strong>{{customer_name}}</strong> just bought for {{currency total_price}}</p>`,
		Subject:   `New order from {{customer_name}}`,
		Active:    true,
		UpdatedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func orderScope() render.Context {
	return render.Context{
		"customer_name": "Jane Doe",
		"total_price":   "49.99",
	}
}

func TestRenderer_RenderOrder(t *testing.T) {
	t.Parallel()

	r := render.NewRenderer(logging.NewNop())
	content, err := r.Render(context.Background(), orderTemplate(), orderScope())
	require.NoError(t, err)

	assert.Contains(t, content.HTML, "Jane Doe")
	assert.Contains(t, content.HTML, "$49.99")
	assert.Equal(t, "New order from Jane Doe", content.Subject)
	assert.Equal(t, "Jane Doe just bought for $49.99", content.Text, "text derived from html")
	assert.Equal(t, "tpl_1", content.Metadata["template_id"])
}

func TestRenderer_SanitizesExecutableMarkup(t *testing.T) {
	t.Parallel()

	template := orderTemplate()
	template.HTML = `<p>{{customer_name}}</p><script>alert(1)</script><a href="javascript:steal()">x</a>`

	r := render.NewRenderer(logging.NewNop())
	content, err := r.Render(context.Background(), template, orderScope())
	require.NoError(t, err)

	assert.NotContains(t, content.HTML, "<script")
	assert.NotContains(t, content.HTML, "javascript:")
	assert.Contains(t, content.HTML, "Jane Doe")
}

func TestRenderer_PureAndCached(t *testing.T) {
	t.Parallel()

	r := render.NewRenderer(logging.NewNop())
	template := orderTemplate()

	first, err := r.Render(context.Background(), template, orderScope())
	require.NoError(t, err)
	second, err := r.Render(context.Background(), template, orderScope())
	require.NoError(t, err)
	assert.Same(t, first, second, "identical template version and context hit the cache")

	// A template edit bumps UpdatedAt and must miss the cache.
	edited := orderTemplate()
	edited.UpdatedAt = edited.UpdatedAt.Add(time.Minute)
	third, err := r.Render(context.Background(), edited, orderScope())
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestRenderer_RenderedCacheTTLExpires(t *testing.T) {
	t.Parallel()

	r := render.NewRenderer(logging.NewNop(), render.WithRenderedCache(8, 10*time.Millisecond))
	template := orderTemplate()

	first, err := r.Render(context.Background(), template, orderScope())
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	second, err := r.Render(context.Background(), template, orderScope())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, first.HTML, second.HTML)
}

func TestRenderer_TextFallbackPreferred(t *testing.T) {
	t.Parallel()

	template := orderTemplate()
	template.TextFallback = `{{customer_name}} ordered`

	r := render.NewRenderer(logging.NewNop())
	content, err := r.Render(context.Background(), template, orderScope())
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe ordered", content.Text)
}

func TestRenderer_BadTemplateFails(t *testing.T) {
	t.Parallel()

	template := orderTemplate()
	template.HTML = `{{#if vip}}no close`

	r := render.NewRenderer(logging.NewNop())
	_, err := r.Render(context.Background(), template, orderScope())
	require.Error(t, err)
}

func TestRenderer_ValidateTemplate(t *testing.T) {
	t.Parallel()

	r := render.NewRenderer(logging.NewNop())

	valid := orderTemplate()
	result := r.ValidateTemplate(valid)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)

	hostile := orderTemplate()
	hostile.HTML = `<script>x</script><a href="javascript:y" onclick="z()">go</a>`
	result = r.ValidateTemplate(hostile)
	assert.False(t, result.Valid)
	assert.Len(t, result.Errors, 3)

	empty := &models.Template{ID: "tpl_2"}
	result = r.ValidateTemplate(empty)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors[0], "html or text_fallback")
}

func TestRenderer_ValidateTemplateWarnings(t *testing.T) {
	t.Parallel()

	r := render.NewRenderer(logging.NewNop())

	// A missing text fallback is advisory, never a rejection.
	noFallback := orderTemplate()
	noFallback.TextFallback = ""
	result := r.ValidateTemplate(noFallback)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "text_fallback")

	withFallback := orderTemplate()
	withFallback.TextFallback = `{{customer_name}} ordered`
	result = r.ValidateTemplate(withFallback)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Warnings)
}

func TestScopeFromEvent(t *testing.T) {
	t.Parallel()

	event := &models.Event{
		ID:     "evt_1",
		Type:   "order.created",
		SiteID: "site_1",
		Time:   time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC),
		Data:   models.Data{"order_id": "1001"},
	}
	scope := render.ScopeFromEvent(event)
	assert.Equal(t, "1001", scope["order_id"])
	assert.Equal(t, "order.created", scope["event_type"])
	assert.Equal(t, "site_1", scope["site_id"])
	assert.Equal(t, "2026-08-01T09:30:00Z", scope["timestamp"])
}

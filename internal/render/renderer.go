package render

import (
	"context"
	"fmt"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/models"
	"go.uber.org/zap"
)

const (
	defaultCompiledCacheSize = 256
	defaultRenderedCacheSize = 1024
	defaultRenderedCacheTTL  = 5 * time.Minute
	defaultRenderTimeout     = time.Second
)

type RendererOption func(*Renderer)

func WithCompiledCacheSize(size int) RendererOption {
	return func(r *Renderer) { r.compiled = newCompiledCache(size) }
}

func WithRenderedCache(size int, ttl time.Duration) RendererOption {
	return func(r *Renderer) { r.rendered = newRenderedCache(size, ttl) }
}

func WithRenderTimeout(timeout time.Duration) RendererOption {
	return func(r *Renderer) { r.timeout = timeout }
}

// Renderer turns templates plus event context into sanitized notification
// content. Rendering is pure: the same template version and context always
// produce the same html, css, text, and subject.
type Renderer struct {
	compiler *compiler
	policy   *bluemonday.Policy
	compiled *compiledCache
	rendered *renderedCache
	timeout  time.Duration
	logger   *logging.Logger
}

func NewRenderer(logger *logging.Logger, opts ...RendererOption) *Renderer {
	r := &Renderer{
		compiler: &compiler{helpers: defaultHelpers()},
		policy:   notificationPolicy(),
		compiled: newCompiledCache(defaultCompiledCacheSize),
		rendered: newRenderedCache(defaultRenderedCacheSize, defaultRenderedCacheTTL),
		timeout:  defaultRenderTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Renderer) compile(source string) (*Program, error) {
	key := sourceKey(source)
	if program, ok := r.compiled.Get(key); ok {
		return program, nil
	}
	program, err := r.compiler.Compile(source)
	if err != nil {
		return nil, err
	}
	r.compiled.Put(key, program)
	return program, nil
}

// Render produces the final content for one template against one event
// context. Output is served from the rendered cache when the same template
// version was already rendered for an equal context.
func (r *Renderer) Render(ctx context.Context, template *models.Template, scope Context) (*models.RenderedContent, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cacheKey := outputKey(template, scope)
	if content, ok := r.rendered.Get(cacheKey); ok {
		r.logger.Ctx(ctx).Debug("render cache hit",
			zap.String("template_id", template.ID))
		return content, nil
	}

	started := time.Now()
	content := &models.RenderedContent{CSS: template.CSS}

	if template.HTML != "" {
		html, err := r.renderField(ctx, template.HTML, scope)
		if err != nil {
			return nil, fmt.Errorf("render html for template %s: %w", template.ID, err)
		}
		content.HTML = r.policy.Sanitize(html)
	}
	if template.Subject != "" {
		subject, err := r.renderField(ctx, template.Subject, scope)
		if err != nil {
			return nil, fmt.Errorf("render subject for template %s: %w", template.ID, err)
		}
		content.Subject = subject
	}
	if template.TextFallback != "" {
		text, err := r.renderField(ctx, template.TextFallback, scope)
		if err != nil {
			return nil, fmt.Errorf("render text for template %s: %w", template.ID, err)
		}
		content.Text = text
	} else if content.HTML != "" {
		content.Text = textFromHTML(content.HTML)
	}

	content.Metadata = map[string]string{
		"template_id": template.ID,
		"rendered_at": started.UTC().Format(time.RFC3339Nano),
		"render_time": time.Since(started).String(),
	}

	r.rendered.Put(cacheKey, content)
	return content, nil
}

func (r *Renderer) renderField(ctx context.Context, source string, scope Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	program, err := r.compile(source)
	if err != nil {
		return "", err
	}
	return program.Execute(scope)
}

// ScopeFromEvent builds the render context a template sees for an event.
func ScopeFromEvent(event *models.Event) Context {
	scope := make(Context, len(event.Data)+4)
	for k, v := range event.Data {
		scope[k] = v
	}
	scope["event_type"] = event.Type
	scope["event_id"] = event.ID
	scope["site_id"] = event.SiteID
	scope["timestamp"] = event.Time.UTC().Format(time.RFC3339)
	return scope
}

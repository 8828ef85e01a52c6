package render

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pulseproof/pulseproof/internal/models"
)

var (
	inlineHandlerRe = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
	tagRe           = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
)

// notificationPolicy allows the markup notification widgets need and nothing
// executable.
func notificationPolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Globally()
	policy.AllowAttrs("data-notification-id", "data-channel").Globally()
	return policy
}

// ValidationResult splits problems that block acceptance from advisory
// warnings.
type ValidationResult struct {
	Valid    bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ValidateTemplate checks a template for structural and safety problems
// before it is accepted into the store. Errors reject the template;
// warnings do not.
func (r *Renderer) ValidateTemplate(template *models.Template) *ValidationResult {
	result := &ValidationResult{Errors: []string{}, Warnings: []string{}}

	if template.HTML == "" && template.TextFallback == "" {
		result.Errors = append(result.Errors, "template must define html or text_fallback")
	}

	lowered := strings.ToLower(template.HTML)
	if strings.Contains(lowered, "<script") {
		result.Errors = append(result.Errors, "html must not contain script tags")
	}
	if strings.Contains(lowered, "javascript:") {
		result.Errors = append(result.Errors, "html must not contain javascript: urls")
	}
	if inlineHandlerRe.MatchString(template.HTML) {
		result.Errors = append(result.Errors, "html must not contain inline event handlers")
	}

	for field, source := range map[string]string{
		"html":          template.HTML,
		"subject":       template.Subject,
		"text_fallback": template.TextFallback,
	} {
		if source == "" {
			continue
		}
		if _, err := r.compile(source); err != nil {
			result.Errors = append(result.Errors, field+": "+err.Error())
		}
	}

	if template.HTML != "" && template.TextFallback == "" {
		result.Warnings = append(result.Warnings, "text_fallback not set, plain text will be derived from html")
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// textFromHTML strips tags and collapses whitespace for the plain-text
// fallback when the template does not define one.
func textFromHTML(html string) string {
	text := tagRe.ReplaceAllString(html, " ")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

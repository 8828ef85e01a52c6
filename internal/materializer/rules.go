package materializer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pulseproof/pulseproof/internal/logging"
	"github.com/pulseproof/pulseproof/internal/models"
	r "github.com/pulseproof/pulseproof/internal/redis"
	"go.uber.org/zap"
)

// Decision is the outcome of evaluating delivery rules for one candidate
// notification.
type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

// PreferencePolicy decides whether a user has opted out of a notification.
// The default implementation always allows.
type PreferencePolicy interface {
	Allows(ctx context.Context, siteID, userID, eventType string) (bool, error)
}

// BusinessHoursPolicy decides whether the site accepts deliveries right now.
// The default implementation always allows.
type BusinessHoursPolicy interface {
	Open(ctx context.Context, siteID string, at time.Time) (bool, error)
}

type allowAllPreferences struct{}

func (allowAllPreferences) Allows(context.Context, string, string, string) (bool, error) {
	return true, nil
}

type alwaysOpen struct{}

func (alwaysOpen) Open(context.Context, string, time.Time) (bool, error) {
	return true, nil
}

// FrequencyCapConfig bounds notifications per user in a rolling window.
// A zero Max disables the cap.
type FrequencyCapConfig struct {
	Max    int
	Window time.Duration
}

type RuleEngineOption func(*RuleEngine)

func WithFrequencyCap(config FrequencyCapConfig) RuleEngineOption {
	return func(e *RuleEngine) { e.frequencyCap = config }
}

func WithPreferencePolicy(policy PreferencePolicy) RuleEngineOption {
	return func(e *RuleEngine) { e.preferences = policy }
}

func WithBusinessHoursPolicy(policy BusinessHoursPolicy) RuleEngineOption {
	return func(e *RuleEngine) { e.businessHours = policy }
}

// RuleEngine evaluates delivery rules in short-circuit order: targeting,
// frequency cap, user preferences, business hours. Evaluation errors fail
// open: a broken rule must not silence a site's notifications.
type RuleEngine struct {
	client        r.Client
	logger        *logging.Logger
	frequencyCap  FrequencyCapConfig
	preferences   PreferencePolicy
	businessHours BusinessHoursPolicy
}

func NewRuleEngine(client r.Client, logger *logging.Logger, opts ...RuleEngineOption) *RuleEngine {
	e := &RuleEngine{
		client:        client,
		logger:        logger,
		frequencyCap:  FrequencyCapConfig{Max: 10, Window: time.Hour},
		preferences:   allowAllPreferences{},
		businessHours: alwaysOpen{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs all rules for a template/event pair.
func (e *RuleEngine) Evaluate(ctx context.Context, template *models.Template, event *models.Event) Decision {
	if !MatchesTargeting(template.Targeting, event.Data) {
		return Decision{Reason: "targeting_mismatch"}
	}

	if decision := e.checkFrequencyCap(ctx, event); !decision.Allowed {
		return decision
	}

	allowed, err := e.preferences.Allows(ctx, event.SiteID, event.UserID, event.Type)
	if err != nil {
		e.logger.Ctx(ctx).Warn("preference check failed, allowing",
			zap.String("site_id", event.SiteID),
			zap.Error(err))
	} else if !allowed {
		return Decision{Reason: "user_preferences"}
	}

	open, err := e.businessHours.Open(ctx, event.SiteID, time.Now())
	if err != nil {
		e.logger.Ctx(ctx).Warn("business hours check failed, allowing",
			zap.String("site_id", event.SiteID),
			zap.Error(err))
	} else if !open {
		return Decision{Reason: "outside_business_hours"}
	}

	return allow
}

func (e *RuleEngine) checkFrequencyCap(ctx context.Context, event *models.Event) Decision {
	if e.frequencyCap.Max <= 0 || event.UserID == "" {
		return allow
	}
	key := fmt.Sprintf("pulseproof:freq:%s:%s", event.SiteID, event.UserID)
	count, err := e.client.Incr(ctx, key).Result()
	if err != nil {
		e.logger.Ctx(ctx).Warn("frequency cap check failed, allowing",
			zap.String("site_id", event.SiteID),
			zap.Error(err))
		return allow
	}
	if count == 1 {
		e.client.Expire(ctx, key, e.frequencyCap.Window)
	}
	if count > int64(e.frequencyCap.Max) {
		return Decision{Reason: "frequency_cap"}
	}
	return allow
}

// MatchesTargeting evaluates the conjunction of targeting rules against
// event data. An empty rule set matches everything.
func MatchesTargeting(targeting models.Targeting, data models.Data) bool {
	for _, rule := range targeting.Rules {
		if !matchesRule(rule, data) {
			return false
		}
	}
	return true
}

func matchesRule(rule models.TargetingRule, data models.Data) bool {
	value, exists := lookupPath(data, rule.Field)

	switch rule.Operator {
	case "exists":
		want, _ := rule.Value.(bool)
		if rule.Value == nil {
			want = true
		}
		return exists == want
	case "eq":
		return exists && looseEqual(value, rule.Value)
	case "neq":
		return !exists || !looseEqual(value, rule.Value)
	case "contains":
		if !exists {
			return false
		}
		return strings.Contains(asString(value), asString(rule.Value))
	case "gt", "gte", "lt", "lte":
		if !exists {
			return false
		}
		left, lok := asNumber(value)
		right, rok := asNumber(rule.Value)
		if !lok || !rok {
			return false
		}
		switch rule.Operator {
		case "gt":
			return left > right
		case "gte":
			return left >= right
		case "lt":
			return left < right
		default:
			return left <= right
		}
	default:
		// Unknown operators never match; a typo must not open the floodgates.
		return false
	}
}

func lookupPath(data models.Data, path string) (any, bool) {
	var current any = map[string]any(data)
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func looseEqual(a, b any) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
	}
	return asString(a) == asString(b)
}

func asString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asNumber(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

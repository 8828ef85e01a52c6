package materializer

import (
	"context"
	"hash/fnv"

	"github.com/pulseproof/pulseproof/internal/idgen"
	"github.com/pulseproof/pulseproof/internal/models"
)

// stableVariantID is the identity A/B bucketing hashes on. Users get sticky
// assignment, anonymous sessions get per-session stickiness, and events with
// neither are bucketed at random.
func stableVariantID(event *models.Event) string {
	if event.UserID != "" {
		return event.UserID
	}
	if event.SessionID != "" {
		return event.SessionID
	}
	return idgen.String()
}

// inVariant buckets a stable ID into [0,100) and compares against the test's
// traffic split.
func inVariant(stableID string, test *models.ABTest) bool {
	h := fnv.New32a()
	h.Write([]byte(stableID + ":" + test.ID))
	return int(h.Sum32()%100) < test.TrafficSplit
}

// selectTemplate resolves which template actually renders, following the
// first active A/B test on the control template. Lookup failures fall back
// to the control template.
func (m *Materializer) selectTemplate(ctx context.Context, template *models.Template, event *models.Event) (*models.Template, string) {
	tests, err := m.abtests.ActiveTestsForTemplate(ctx, template.SiteID, template.ID)
	if err != nil || len(tests) == 0 {
		return template, ""
	}
	test := tests[0]
	if !inVariant(stableVariantID(event), test) {
		return template, test.ID
	}
	variant, err := m.templates.GetTemplate(ctx, test.VariantTemplateID)
	if err != nil || !variant.Active {
		return template, test.ID
	}
	return variant, test.ID
}

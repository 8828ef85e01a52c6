package webhook

import (
	"context"
	"fmt"

	r "github.com/pulseproof/pulseproof/internal/redis"
)

// ErrUnknownTenant means no organization/site mapping exists for the key the
// provider extracted (shop domain, store host, or account id).
var ErrUnknownTenant = fmt.Errorf("no tenant registered for key")

// Tenant is the owning organization and site of an inbound webhook.
type Tenant struct {
	OrganizationID string
	SiteID         string
}

// TenantResolver maps a provider tenant key onto the tenant that owns it.
type TenantResolver interface {
	Resolve(ctx context.Context, key string) (*Tenant, error)
}

const tenantKeyPrefix = "pulseproof:tenant:"

// RedisTenantResolver resolves tenants from a Redis hash per key, written by
// the site onboarding flow.
type RedisTenantResolver struct {
	client r.Client
}

var _ TenantResolver = &RedisTenantResolver{}

func NewRedisTenantResolver(client r.Client) *RedisTenantResolver {
	return &RedisTenantResolver{client: client}
}

func (t *RedisTenantResolver) Resolve(ctx context.Context, key string) (*Tenant, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrUnknownTenant)
	}
	values, err := t.client.HGetAll(ctx, tenantKeyPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve tenant %s: %w", key, err)
	}
	if values["site_id"] == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, key)
	}
	return &Tenant{
		OrganizationID: values["organization_id"],
		SiteID:         values["site_id"],
	}, nil
}

// Register writes the mapping. Used by onboarding and test fixtures.
func (t *RedisTenantResolver) Register(ctx context.Context, key string, tenant Tenant) error {
	err := t.client.HSet(ctx, tenantKeyPrefix+key,
		"organization_id", tenant.OrganizationID,
		"site_id", tenant.SiteID,
	).Err()
	if err != nil {
		return fmt.Errorf("register tenant %s: %w", key, err)
	}
	return nil
}

// StaticTenantResolver serves a fixed mapping. Handy for single-tenant
// deployments and tests.
type StaticTenantResolver struct {
	Tenants map[string]Tenant
}

var _ TenantResolver = &StaticTenantResolver{}

func (t *StaticTenantResolver) Resolve(_ context.Context, key string) (*Tenant, error) {
	tenant, ok := t.Tenants[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, key)
	}
	return &tenant, nil
}

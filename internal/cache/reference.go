package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
)

// CachedReferenceRepository layers the two-tier cache over the reference
// repository. Point lookups on slow-changing rows are cached and tagged per
// tenant; range queries and per-customer reads pass through.
type CachedReferenceRepository struct {
	inner repository.ReferenceRepository
	tiers *TwoTier
}

func NewCachedReferenceRepository(inner repository.ReferenceRepository, tiers *TwoTier) *CachedReferenceRepository {
	return &CachedReferenceRepository{inner: inner, tiers: tiers}
}

func refTag(tenantID string) string { return "ref:" + tenantID }

// ListTenantIDs is a maintenance enumeration, never cached.
func (r *CachedReferenceRepository) ListTenantIDs(ctx context.Context) ([]string, error) {
	return r.inner.ListTenantIDs(ctx)
}

// InvalidateTenant drops every cached reference row for the tenant, called
// after any admin mutation of its configuration.
func (r *CachedReferenceRepository) InvalidateTenant(ctx context.Context, tenantID string) {
	r.tiers.InvalidateTag(ctx, refTag(tenantID))
}

func (r *CachedReferenceRepository) GetTenantPolicy(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	return cached(ctx, r, "ref:policy:"+tenantID, tenantID, func() (*domain.TenantPolicy, error) {
		return r.inner.GetTenantPolicy(ctx, tenantID)
	})
}

func (r *CachedReferenceRepository) GetResource(ctx context.Context, tenantID, id string) (*domain.Resource, error) {
	return cached(ctx, r, "ref:resource:"+tenantID+"/"+id, tenantID, func() (*domain.Resource, error) {
		return r.inner.GetResource(ctx, tenantID, id)
	})
}

func (r *CachedReferenceRepository) GetService(ctx context.Context, tenantID, id string) (*domain.Service, error) {
	return cached(ctx, r, "ref:service:"+tenantID+"/"+id, tenantID, func() (*domain.Service, error) {
		return r.inner.GetService(ctx, tenantID, id)
	})
}

func (r *CachedReferenceRepository) ListBusinessHours(ctx context.Context, tenantID, resourceID string) ([]*domain.BusinessHours, error) {
	return cachedSlice(ctx, r, "ref:hours:"+tenantID+"/"+resourceID, tenantID, func() ([]*domain.BusinessHours, error) {
		return r.inner.ListBusinessHours(ctx, tenantID, resourceID)
	})
}

func (r *CachedReferenceRepository) ListResources(ctx context.Context, tenantID string) ([]*domain.Resource, error) {
	return cachedSlice(ctx, r, "ref:resources:"+tenantID, tenantID, func() ([]*domain.Resource, error) {
		return r.inner.ListResources(ctx, tenantID)
	})
}

// GetWebhookSecret caches the signing secret like any other tenant-scoped
// row; verification runs on every ingress call so the read has to be hot.
func (r *CachedReferenceRepository) GetWebhookSecret(ctx context.Context, tenantID string, source domain.WebhookSource) (string, error) {
	key := "ref:whsec:" + tenantID + "/" + string(source)
	if raw, ok := r.tiers.Get(ctx, key); ok {
		return string(raw), nil
	}
	secret, err := r.inner.GetWebhookSecret(ctx, tenantID, source)
	if err != nil {
		return "", err
	}
	r.tiers.Set(ctx, key, []byte(secret), refTag(tenantID))
	return secret, nil
}

// Pass-throughs: customer rows and time-ranged queries churn too much to be
// worth invalidation tracking.

func (r *CachedReferenceRepository) GetCustomer(ctx context.Context, tenantID, id string) (*domain.Customer, error) {
	return r.inner.GetCustomer(ctx, tenantID, id)
}

func (r *CachedReferenceRepository) ListHolidays(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]*domain.Holiday, error) {
	return r.inner.ListHolidays(ctx, tenantID, resourceID, from, to)
}

func (r *CachedReferenceRepository) ListTimeOff(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]*domain.ResourceTimeOff, error) {
	return r.inner.ListTimeOff(ctx, tenantID, resourceID, from, to)
}

func (r *CachedReferenceRepository) ListPreferences(ctx context.Context, tenantID, customerID string) ([]*domain.NotificationPreference, error) {
	return r.inner.ListPreferences(ctx, tenantID, customerID)
}

func (r *CachedReferenceRepository) GetTemplate(ctx context.Context, tenantID, eventType string, channel domain.Channel, language string) (*domain.Template, error) {
	return r.inner.GetTemplate(ctx, tenantID, eventType, channel, language)
}

func cached[T any](ctx context.Context, r *CachedReferenceRepository, key, tenantID string, load func() (*T, error)) (*T, error) {
	if raw, ok := r.tiers.Get(ctx, key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return &v, nil
		}
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(v); err == nil {
		r.tiers.Set(ctx, key, raw, refTag(tenantID))
	}
	return v, nil
}

func cachedSlice[T any](ctx context.Context, r *CachedReferenceRepository, key, tenantID string, load func() ([]*T, error)) ([]*T, error) {
	if raw, ok := r.tiers.Get(ctx, key); ok {
		var v []*T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(v); err == nil {
		r.tiers.Set(ctx, key, raw, refTag(tenantID))
	}
	return v, nil
}

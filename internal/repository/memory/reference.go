package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wer-inc/ripipi/internal/domain"
)

// ReferenceRepository is an in-memory ReferenceRepository seeded by tests
type ReferenceRepository struct {
	mu sync.Mutex

	Policies    map[string]*domain.TenantPolicy
	Resources   map[string]*domain.Resource
	Services    map[string]*domain.Service
	Customers   map[string]*domain.Customer
	Hours       map[string][]*domain.BusinessHours
	Holidays    map[string][]*domain.Holiday
	TimeOff     map[string][]*domain.ResourceTimeOff
	Preferences map[string][]*domain.NotificationPreference
	Templates   []*domain.Template
	Secrets     map[string]string
}

// NewReferenceRepository creates an empty in-memory reference repository
func NewReferenceRepository() *ReferenceRepository {
	return &ReferenceRepository{
		Policies:    make(map[string]*domain.TenantPolicy),
		Resources:   make(map[string]*domain.Resource),
		Services:    make(map[string]*domain.Service),
		Customers:   make(map[string]*domain.Customer),
		Hours:       make(map[string][]*domain.BusinessHours),
		Holidays:    make(map[string][]*domain.Holiday),
		TimeOff:     make(map[string][]*domain.ResourceTimeOff),
		Preferences: make(map[string][]*domain.NotificationPreference),
		Secrets:     make(map[string]string),
	}
}

func (r *ReferenceRepository) ListTenantIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.Policies))
	for id := range r.Policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *ReferenceRepository) GetTenantPolicy(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Policies[tenantID]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *ReferenceRepository) GetResource(ctx context.Context, tenantID, id string) (*domain.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.Resources[key(tenantID, id)]
	if !ok {
		return nil, domain.ErrResourceNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *ReferenceRepository) ListResources(ctx context.Context, tenantID string) ([]*domain.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Resource
	for _, res := range r.Resources {
		if res.TenantID == tenantID && res.Active {
			cp := *res
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *ReferenceRepository) GetService(ctx context.Context, tenantID, id string) (*domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.Services[key(tenantID, id)]
	if !ok {
		return nil, domain.ErrServiceNotFound
	}
	cp := *svc
	return &cp, nil
}

func (r *ReferenceRepository) GetCustomer(ctx context.Context, tenantID, id string) (*domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.Customers[key(tenantID, id)]
	if !ok {
		return nil, domain.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *ReferenceRepository) ListBusinessHours(ctx context.Context, tenantID, resourceID string) ([]*domain.BusinessHours, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.BusinessHours
	for _, h := range r.Hours[tenantID] {
		if h.ResourceID == "" || h.ResourceID == resourceID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *ReferenceRepository) ListHolidays(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]*domain.Holiday, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Holiday
	for _, h := range r.Holidays[tenantID] {
		if h.ResourceID != "" && h.ResourceID != resourceID {
			continue
		}
		if !h.Date.Before(from) && h.Date.Before(to) {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *ReferenceRepository) ListTimeOff(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]*domain.ResourceTimeOff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.ResourceTimeOff
	for _, b := range r.TimeOff[tenantID] {
		if b.ResourceID == resourceID && b.Overlaps(from, to) {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *ReferenceRepository) ListPreferences(ctx context.Context, tenantID, customerID string) ([]*domain.NotificationPreference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.NotificationPreference
	for _, p := range r.Preferences[key(tenantID, customerID)] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *ReferenceRepository) GetTemplate(ctx context.Context, tenantID, eventType string, channel domain.Channel, language string) (*domain.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var fallback *domain.Template
	for _, t := range r.Templates {
		if t.EventType != eventType || t.Channel != channel {
			continue
		}
		if t.TenantID != "" && t.TenantID != tenantID {
			continue
		}
		if t.Language == language {
			cp := *t
			return &cp, nil
		}
		if t.Language == domain.DefaultLanguage && fallback == nil {
			cp := *t
			fallback = &cp
		}
	}
	return fallback, nil
}

func (r *ReferenceRepository) GetWebhookSecret(ctx context.Context, tenantID string, source domain.WebhookSource) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	secret, ok := r.Secrets[key(tenantID, string(source))]
	if !ok {
		return "", domain.ErrTenantNotFound
	}
	return secret, nil
}

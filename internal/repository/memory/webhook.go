package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wer-inc/ripipi/internal/domain"
)

// WebhookRepository is an in-memory WebhookRepository
type WebhookRepository struct {
	mu     sync.Mutex
	events map[string]*domain.WebhookEvent
	dedup  map[string]bool
}

// NewWebhookRepository creates an empty in-memory webhook repository
func NewWebhookRepository() *WebhookRepository {
	return &WebhookRepository{
		events: make(map[string]*domain.WebhookEvent),
		dedup:  make(map[string]bool),
	}
}

// All returns copies of the stored events sorted by received time
func (r *WebhookRepository) All() []*domain.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.WebhookEvent, 0, len(r.events))
	for _, e := range r.events {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (r *WebhookRepository) Insert(ctx context.Context, evt *domain.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := evt.TenantID + "/" + string(evt.Source) + "/" + evt.ExternalEventID
	if r.dedup[k] {
		return domain.ErrWebhookDuplicate
	}
	r.dedup[k] = true
	cp := *evt
	r.events[evt.ID] = &cp
	return nil
}

func (r *WebhookRepository) MarkProcessed(ctx context.Context, id string, processErr string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[id]; ok {
		t := now
		e.ProcessedAt = &t
		e.ProcessError = processErr
	}
	return nil
}

func (r *WebhookRepository) DeleteBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, e := range r.events {
		if deleted >= int64(limit) {
			break
		}
		if e.ReceivedAt.Before(before) {
			delete(r.events, id)
			deleted++
		}
	}
	return deleted, nil
}

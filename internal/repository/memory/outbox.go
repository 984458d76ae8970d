package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wer-inc/ripipi/internal/domain"
)

// OutboxRepository is an in-memory OutboxRepository
type OutboxRepository struct {
	mu     sync.Mutex
	events map[string]*domain.OutboxEvent
}

// NewOutboxRepository creates an empty in-memory outbox repository
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{events: make(map[string]*domain.OutboxEvent)}
}

// All returns every stored event, for test assertions
func (r *OutboxRepository) All() []*domain.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.OutboxEvent, 0, len(r.events))
	for _, e := range r.events {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *OutboxRepository) CreateTx(ctx context.Context, _ pgx.Tx, event *domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.events[event.ID] = &cp
	return nil
}

func (r *OutboxRepository) ClaimBatch(ctx context.Context, claimant string, limit int, now time.Time) ([]*domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*domain.OutboxEvent
	for _, e := range r.events {
		if e.Status == domain.OutboxStatusPending && !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*domain.OutboxEvent, 0, len(due))
	for _, e := range due {
		e.Status = domain.OutboxStatusProcessing
		e.ClaimedBy = claimant
		t := now
		e.ClaimedAt = &t
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[id]; ok {
		e.Status = domain.OutboxStatusPublished
		t := now
		e.PublishedAt = &t
		e.ClaimedBy = ""
		e.ClaimedAt = nil
		e.LastError = ""
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, attemptErr string, nextAttempt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[id]; ok {
		e.Attempts++
		if e.Attempts >= domain.MaxOutboxAttempts {
			e.Status = domain.OutboxStatusDeadletter
		} else {
			e.Status = domain.OutboxStatusPending
		}
		e.NextAttemptAt = nextAttempt
		e.ClaimedBy = ""
		e.ClaimedAt = nil
		e.LastError = attemptErr
	}
	return nil
}

func (r *OutboxRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released int64
	for _, e := range r.events {
		if e.Status == domain.OutboxStatusProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = domain.OutboxStatusPending
			e.ClaimedBy = ""
			e.ClaimedAt = nil
			released++
		}
	}
	return released, nil
}

func (r *OutboxRepository) DeletePublishedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, e := range r.events {
		if deleted >= int64(limit) {
			break
		}
		if e.Status == domain.OutboxStatusPublished && e.PublishedAt != nil && e.PublishedAt.Before(before) {
			delete(r.events, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *OutboxRepository) GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

func (r *OutboxRepository) ListDeadletter(ctx context.Context, tenantID string, limit int) ([]*domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.OutboxEvent
	for _, e := range r.events {
		if e.TenantID == tenantID && e.Status == domain.OutboxStatusDeadletter {
			cp := *e
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

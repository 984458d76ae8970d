package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wer-inc/ripipi/internal/domain"
)

// DispatchRepository is an in-memory DispatchRepository
type DispatchRepository struct {
	mu         sync.Mutex
	dispatches map[string]*domain.NotificationDispatch
	// dedup mirrors the unique key on (outbox event, channel, recipient)
	dedup map[string]bool
}

// NewDispatchRepository creates an empty in-memory dispatch repository
func NewDispatchRepository() *DispatchRepository {
	return &DispatchRepository{
		dispatches: make(map[string]*domain.NotificationDispatch),
		dedup:      make(map[string]bool),
	}
}

// All returns every stored dispatch, for test assertions
func (r *DispatchRepository) All() []*domain.NotificationDispatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.NotificationDispatch, 0, len(r.dispatches))
	for _, d := range r.dispatches {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func dedupKey(d *domain.NotificationDispatch) string {
	return d.OutboxEventID + "/" + d.Channel.String() + "/" + d.RecipientID
}

func (r *DispatchRepository) CreateBatch(ctx context.Context, dispatches []*domain.NotificationDispatch) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var inserted int64
	for _, d := range dispatches {
		k := dedupKey(d)
		if r.dedup[k] {
			continue
		}
		r.dedup[k] = true
		cp := *d
		r.dispatches[d.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (r *DispatchRepository) ClaimBatch(ctx context.Context, channel domain.Channel, limit int, now time.Time) ([]*domain.NotificationDispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*domain.NotificationDispatch
	for _, d := range r.dispatches {
		if d.Channel != channel {
			continue
		}
		if (d.Status == domain.DispatchStatusPending || d.Status == domain.DispatchStatusRetrying) && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*domain.NotificationDispatch, 0, len(due))
	for _, d := range due {
		d.Status = domain.DispatchStatusSending
		d.UpdatedAt = now
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (r *DispatchRepository) MarkAccepted(ctx context.Context, id, externalID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dispatches[id]; ok {
		d.ExternalID = externalID
		d.LastError = ""
		d.UpdatedAt = now
	}
	return nil
}

func (r *DispatchRepository) MarkDelivered(ctx context.Context, id, externalID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dispatches[id]; ok {
		d.Status = domain.DispatchStatusDelivered
		d.ExternalID = externalID
		t := now
		d.DeliveredAt = &t
		d.LastError = ""
		d.UpdatedAt = now
	}
	return nil
}

func (r *DispatchRepository) MarkRetrying(ctx context.Context, id string, attemptErr string, nextAttempt time.Time, maxAttempts int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxAttempts <= 0 {
		maxAttempts = domain.MaxDispatchAttempts
	}
	if d, ok := r.dispatches[id]; ok {
		d.Attempts++
		if d.Attempts >= maxAttempts {
			d.Status = domain.DispatchStatusFailed
		} else {
			d.Status = domain.DispatchStatusRetrying
		}
		d.NextAttemptAt = nextAttempt
		d.LastError = attemptErr
	}
	return nil
}

func (r *DispatchRepository) Reschedule(ctx context.Context, id, reason string, nextAttempt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dispatches[id]; ok {
		d.Status = domain.DispatchStatusPending
		d.NextAttemptAt = nextAttempt
		d.LastError = reason
	}
	return nil
}

func (r *DispatchRepository) MarkFailed(ctx context.Context, id string, attemptErr string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dispatches[id]; ok {
		d.Attempts++
		d.Status = domain.DispatchStatusFailed
		d.LastError = attemptErr
		d.UpdatedAt = now
	}
	return nil
}

func (r *DispatchRepository) MarkSkipped(ctx context.Context, id, reason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.dispatches[id]; ok {
		d.Status = domain.DispatchStatusSkipped
		d.LastError = reason
		d.UpdatedAt = now
	}
	return nil
}

func (r *DispatchRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var released int64
	for _, d := range r.dispatches {
		if d.Status == domain.DispatchStatusSending && d.ExternalID == "" && d.UpdatedAt.Before(cutoff) {
			d.Status = domain.DispatchStatusPending
			released++
		}
	}
	return released, nil
}

func (r *DispatchRepository) GetByExternalID(ctx context.Context, tenantID, externalID string) (*domain.NotificationDispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.dispatches {
		if d.TenantID == tenantID && d.ExternalID == externalID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *DispatchRepository) ListByEvent(ctx context.Context, tenantID, outboxEventID string) ([]*domain.NotificationDispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.NotificationDispatch
	for _, d := range r.dispatches {
		if d.TenantID == tenantID && d.OutboxEventID == outboxEventID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].RecipientID < out[j].RecipientID
	})
	return out, nil
}

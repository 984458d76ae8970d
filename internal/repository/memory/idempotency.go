package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wer-inc/ripipi/internal/domain"
)

// IdempotencyRepository is an in-memory IdempotencyRepository
type IdempotencyRepository struct {
	mu      sync.Mutex
	records map[string]*domain.IdempotencyRecord
}

// NewIdempotencyRepository creates an empty in-memory idempotency repository
func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{records: make(map[string]*domain.IdempotencyRecord)}
}

func (r *IdempotencyRepository) Insert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(rec.TenantID, rec.Key)
	if _, exists := r.records[k]; exists {
		return domain.ErrIdempotencyInProgress
	}
	cp := *rec
	r.records[k] = &cp
	return nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, tenantID, idemKey string) (*domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key(tenantID, idemKey)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, tenantID, idemKey string, responseStatus int, body []byte, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key(tenantID, idemKey)]; ok {
		rec.Status = domain.IdempotencyStatusCompleted
		rec.ResponseStatus = responseStatus
		rec.ResponseBody = append([]byte(nil), body...)
		rec.UpdatedAt = now
	}
	return nil
}

func (r *IdempotencyRepository) Fail(ctx context.Context, tenantID, idemKey string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key(tenantID, idemKey)]; ok {
		rec.Status = domain.IdempotencyStatusFailed
		rec.UpdatedAt = now
	}
	return nil
}

func (r *IdempotencyRepository) Reopen(ctx context.Context, tenantID, idemKey string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key(tenantID, idemKey)]
	if !ok || rec.Status != domain.IdempotencyStatusFailed {
		return domain.ErrIdempotencyInProgress
	}
	if rec.MaxRetries > 0 && rec.RetryCount >= rec.MaxRetries {
		return domain.ErrIdempotencyInProgress
	}
	rec.Status = domain.IdempotencyStatusProcessing
	rec.RetryCount++
	rec.UpdatedAt = now
	return nil
}

func (r *IdempotencyRepository) Delete(ctx context.Context, tenantID, idemKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key(tenantID, idemKey))
	return nil
}

func (r *IdempotencyRepository) ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var recs []*domain.IdempotencyRecord
	for _, rec := range r.records {
		if len(recs) >= limit {
			break
		}
		if rec.Status == domain.IdempotencyStatusProcessing && rec.UpdatedAt.Before(before) {
			cp := *rec
			recs = append(recs, &cp)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].UpdatedAt.Before(recs[j].UpdatedAt) })
	return recs, nil
}

func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for k, rec := range r.records {
		if deleted >= int64(limit) {
			break
		}
		if rec.ExpiresAt.Before(now) {
			delete(r.records, k)
			deleted++
		}
	}
	return deleted, nil
}

// Package memory provides in-memory repository implementations used as test
// doubles. They honor the same error contracts as the Postgres versions,
// including version fencing, so service tests exercise real conflict paths.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wer-inc/ripipi/internal/domain"
)

// TimeslotRepository is an in-memory TimeslotRepository
type TimeslotRepository struct {
	mu    sync.Mutex
	slots map[string]*domain.Timeslot
}

// NewTimeslotRepository creates an empty in-memory timeslot repository
func NewTimeslotRepository() *TimeslotRepository {
	return &TimeslotRepository{slots: make(map[string]*domain.Timeslot)}
}

// Put seeds a slot directly, for test setup
func (r *TimeslotRepository) Put(slot *domain.Timeslot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *slot
	r.slots[key(slot.TenantID, slot.ID)] = &cp
}

func key(tenantID, id string) string {
	return tenantID + "/" + id
}

func (r *TimeslotRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.Timeslot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[key(tenantID, id)]
	if !ok {
		return nil, domain.ErrTimeslotNotFound
	}
	cp := *slot
	return &cp, nil
}

func (r *TimeslotRepository) GetForUpdate(ctx context.Context, _ pgx.Tx, tenantID string, refs []domain.SlotRef) ([]*domain.Timeslot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]domain.SlotRef, len(refs))
	copy(ordered, refs)
	domain.SortSlotRefs(ordered)

	slots := make([]*domain.Timeslot, 0, len(ordered))
	for _, ref := range ordered {
		slot, ok := r.slots[key(tenantID, ref.TimeslotID)]
		if !ok {
			return nil, fmt.Errorf("timeslot %s: %w", ref.TimeslotID, domain.ErrTimeslotNotFound)
		}
		cp := *slot
		slots = append(slots, &cp)
	}
	return slots, nil
}

func (r *TimeslotRepository) ApplyDelta(ctx context.Context, _ pgx.Tx, tenantID, id string, delta int, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[key(tenantID, id)]
	if !ok {
		return domain.ErrTimeslotNotFound
	}
	if slot.Version != expectedVersion {
		return domain.ErrVersionMismatch
	}
	slot.BookedCapacity += delta
	slot.Version++
	slot.UpdatedAt = time.Now()
	return nil
}

func (r *TimeslotRepository) SetCapacity(ctx context.Context, _ pgx.Tx, tenantID, id string, total int, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[key(tenantID, id)]
	if !ok {
		return domain.ErrTimeslotNotFound
	}
	if slot.Version != expectedVersion {
		return domain.ErrVersionMismatch
	}
	slot.TotalCapacity = total
	slot.Version++
	slot.UpdatedAt = time.Now()
	return nil
}

func (r *TimeslotRepository) Upsert(ctx context.Context, _ pgx.Tx, slot *domain.Timeslot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.slots {
		if existing.TenantID == slot.TenantID && existing.ResourceID == slot.ResourceID &&
			existing.StartAt.Equal(slot.StartAt) && existing.EndAt.Equal(slot.EndAt) {
			existing.TotalCapacity = slot.TotalCapacity
			existing.OverbookMargin = slot.OverbookMargin
			existing.Version++
			existing.UpdatedAt = time.Now()
			return nil
		}
	}
	cp := *slot
	cp.Version = 1
	cp.BookedCapacity = 0
	r.slots[key(slot.TenantID, slot.ID)] = &cp
	return nil
}

func (r *TimeslotRepository) ListWindow(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]*domain.Timeslot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Timeslot
	for _, slot := range r.slots {
		if slot.TenantID == tenantID && slot.ResourceID == resourceID &&
			!slot.StartAt.Before(from) && slot.StartAt.Before(to) {
			cp := *slot
			out = append(out, &cp)
		}
	}
	sortSlots(out)
	return out, nil
}

func (r *TimeslotRepository) ListAvailability(ctx context.Context, tenantID string, resourceIDs []string, from, to time.Time) ([]domain.AvailabilityWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]bool, len(resourceIDs))
	for _, id := range resourceIDs {
		wanted[id] = true
	}
	var out []domain.AvailabilityWindow
	for _, slot := range r.slots {
		if slot.TenantID != tenantID || !wanted[slot.ResourceID] {
			continue
		}
		if slot.StartAt.Before(from) || !slot.StartAt.Before(to) || slot.Remaining() == 0 {
			continue
		}
		out = append(out, domain.AvailabilityWindow{
			TimeslotID: slot.ID,
			ResourceID: slot.ResourceID,
			StartAt:    slot.StartAt,
			EndAt:      slot.EndAt,
			Remaining:  slot.Remaining(),
			Version:    slot.Version,
		})
	}
	sortWindows(out)
	return out, nil
}

func (r *TimeslotRepository) CheckCapacity(ctx context.Context, tenantID string, queries []domain.CapacityQuery) ([]domain.CapacityCheck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	checks := make([]domain.CapacityCheck, len(queries))
	for i, q := range queries {
		available := 0
		matched := false
		for _, slot := range r.slots {
			if slot.TenantID != tenantID || slot.ResourceID != q.ResourceID {
				continue
			}
			if !slot.StartAt.Before(q.EndAt) || !slot.EndAt.After(q.StartAt) {
				continue
			}
			if !matched || slot.Remaining() < available {
				available = slot.Remaining()
			}
			matched = true
		}
		required := q.Required
		if required <= 0 {
			required = 1
		}
		checks[i] = domain.CapacityCheck{
			Query:      q,
			Available:  available,
			Obtainable: matched && available >= required,
		}
	}
	return checks, nil
}

func (r *TimeslotRepository) MaxVersionStamp(ctx context.Context, tenantID string, resourceIDs []string, from, to time.Time) (int64, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]bool, len(resourceIDs))
	for _, id := range resourceIDs {
		wanted[id] = true
	}
	var maxVersion int64
	count := 0
	for _, slot := range r.slots {
		if slot.TenantID != tenantID || !wanted[slot.ResourceID] {
			continue
		}
		if slot.StartAt.Before(from) || !slot.StartAt.Before(to) {
			continue
		}
		count++
		if slot.Version > maxVersion {
			maxVersion = slot.Version
		}
	}
	return maxVersion, count, nil
}

func (r *TimeslotRepository) DeleteEmptyBefore(ctx context.Context, tenantID string, before time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for k, slot := range r.slots {
		if deleted >= int64(limit) {
			break
		}
		if slot.TenantID == tenantID && slot.EndAt.Before(before) && slot.BookedCapacity == 0 {
			delete(r.slots, k)
			deleted++
		}
	}
	return deleted, nil
}

func sortSlots(slots []*domain.Timeslot) {
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].StartAt.Before(slots[j].StartAt)
	})
}

func sortWindows(ws []domain.AvailabilityWindow) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].ResourceID != ws[j].ResourceID {
			return ws[i].ResourceID < ws[j].ResourceID
		}
		return ws[i].StartAt.Before(ws[j].StartAt)
	})
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wer-inc/ripipi/internal/domain"
)

// BookingRepository is an in-memory BookingRepository
type BookingRepository struct {
	mu       sync.Mutex
	bookings map[string]*domain.Booking
	changes  map[string][]*domain.BookingChange
}

// NewBookingRepository creates an empty in-memory booking repository
func NewBookingRepository() *BookingRepository {
	return &BookingRepository{
		bookings: make(map[string]*domain.Booking),
		changes:  make(map[string][]*domain.BookingChange),
	}
}

// Put seeds a booking directly, for test setup
func (r *BookingRepository) Put(b *domain.Booking) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings[key(b.TenantID, b.ID)] = cloneBooking(b)
}

func (r *BookingRepository) Create(ctx context.Context, _ pgx.Tx, booking *domain.Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings[key(booking.TenantID, booking.ID)] = cloneBooking(booking)
	return nil
}

func (r *BookingRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[key(tenantID, id)]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	return cloneBooking(b), nil
}

func (r *BookingRepository) GetForUpdate(ctx context.Context, _ pgx.Tx, tenantID, id string) (*domain.Booking, error) {
	return r.GetByID(ctx, tenantID, id)
}

func (r *BookingRepository) UpdateStatus(ctx context.Context, _ pgx.Tx, tenantID, id string, from, to domain.BookingStatus, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[key(tenantID, id)]
	if !ok {
		return domain.ErrBookingNotFound
	}
	if b.Status != from {
		return domain.ErrInvalidTransition
	}
	b.Status = to
	if to != domain.BookingStatusTentative {
		b.ExpiresAt = nil
	}
	b.UpdatedAt = now
	return nil
}

func (r *BookingRepository) SetPayment(ctx context.Context, _ pgx.Tx, tenantID, id, paymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[key(tenantID, id)]
	if !ok {
		return domain.ErrBookingNotFound
	}
	b.PaymentID = paymentID
	return nil
}

func (r *BookingRepository) GetByIdempotencyKey(ctx context.Context, tenantID, idemKey string) (*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bookings {
		if b.TenantID == tenantID && b.IdempotencyKey == idemKey {
			return cloneBooking(b), nil
		}
	}
	return nil, domain.ErrBookingNotFound
}

func (r *BookingRepository) ListByCustomer(ctx context.Context, tenantID, customerID string, limit, offset int) ([]*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Booking
	for _, b := range r.bookings {
		if b.TenantID == tenantID && b.CustomerID == customerID {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *BookingRepository) CountActiveByCustomer(ctx context.Context, tenantID, customerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	count := 0
	for _, b := range r.bookings {
		if b.TenantID == tenantID && b.CustomerID == customerID && b.Status.IsActive() && b.EndAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (r *BookingRepository) FindOverlapping(ctx context.Context, tenantID, customerID string, start, end time.Time) ([]*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Booking
	for _, b := range r.bookings {
		if b.TenantID == tenantID && b.CustomerID == customerID && b.Status.IsActive() &&
			b.StartAt.Before(end) && b.EndAt.After(start) {
			out = append(out, cloneBooking(b))
		}
	}
	return out, nil
}

func (r *BookingRepository) ListExpiredTentative(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Booking
	for _, b := range r.bookings {
		if b.Status == domain.BookingStatusTentative && b.ExpiresAt != nil && b.ExpiresAt.Before(cutoff) {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *BookingRepository) AppendChange(ctx context.Context, _ pgx.Tx, change *domain.BookingChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *change
	k := key(change.TenantID, change.BookingID)
	r.changes[k] = append(r.changes[k], &cp)
	return nil
}

func (r *BookingRepository) ListChanges(ctx context.Context, tenantID, bookingID string) ([]*domain.BookingChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.changes[key(tenantID, bookingID)]
	out := make([]*domain.BookingChange, len(src))
	for i, c := range src {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func cloneBooking(b *domain.Booking) *domain.Booking {
	cp := *b
	if b.ExpiresAt != nil {
		t := *b.ExpiresAt
		cp.ExpiresAt = &t
	}
	cp.Items = make([]*domain.BookingItem, len(b.Items))
	for i, item := range b.Items {
		ic := *item
		cp.Items[i] = &ic
	}
	return &cp
}

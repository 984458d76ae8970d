package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wer-inc/ripipi/internal/domain"
)

// TimeslotRepository defines inventory persistence operations. Locking
// variants take the caller's transaction so the row lock lives exactly as
// long as the booking transaction does.
type TimeslotRepository interface {
	GetByID(ctx context.Context, tenantID, id string) (*domain.Timeslot, error)
	// GetForUpdate loads the slots named by refs inside tx with row locks,
	// in the canonical (resource, timeslot) order. Missing slots fail the
	// whole call.
	GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID string, refs []domain.SlotRef) ([]*domain.Timeslot, error)
	// ApplyDelta adjusts booked capacity and bumps the version. The WHERE
	// clause re-checks the expected version; zero rows affected reports
	// domain.ErrVersionMismatch.
	ApplyDelta(ctx context.Context, tx pgx.Tx, tenantID, id string, delta int, expectedVersion int64) error
	SetCapacity(ctx context.Context, tx pgx.Tx, tenantID, id string, total int, expectedVersion int64) error
	Upsert(ctx context.Context, tx pgx.Tx, slot *domain.Timeslot) error
	ListWindow(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]*domain.Timeslot, error)
	ListAvailability(ctx context.Context, tenantID string, resourceIDs []string, from, to time.Time) ([]domain.AvailabilityWindow, error)
	// CheckCapacity answers every query in one round trip without taking
	// locks; results come back in query order.
	CheckCapacity(ctx context.Context, tenantID string, queries []domain.CapacityQuery) ([]domain.CapacityCheck, error)
	MaxVersionStamp(ctx context.Context, tenantID string, resourceIDs []string, from, to time.Time) (int64, int, error)
	DeleteEmptyBefore(ctx context.Context, tenantID string, before time.Time, limit int) (int64, error)
}

// BookingRepository defines booking persistence operations
type BookingRepository interface {
	Create(ctx context.Context, tx pgx.Tx, booking *domain.Booking) error
	GetByID(ctx context.Context, tenantID, id string) (*domain.Booking, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID, id string) (*domain.Booking, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, tenantID, id string, from, to domain.BookingStatus, now time.Time) error
	SetPayment(ctx context.Context, tx pgx.Tx, tenantID, id, paymentID string) error
	// GetByIdempotencyKey resolves the booking a completed request created,
	// used to reconcile idempotency records orphaned between commit and mark
	GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Booking, error)
	ListByCustomer(ctx context.Context, tenantID, customerID string, limit, offset int) ([]*domain.Booking, error)
	CountActiveByCustomer(ctx context.Context, tenantID, customerID string) (int, error)
	FindOverlapping(ctx context.Context, tenantID, customerID string, start, end time.Time) ([]*domain.Booking, error)
	ListExpiredTentative(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Booking, error)
	AppendChange(ctx context.Context, tx pgx.Tx, change *domain.BookingChange) error
	ListChanges(ctx context.Context, tenantID, bookingID string) ([]*domain.BookingChange, error)
}

// OutboxRepository defines transactional outbox persistence
type OutboxRepository interface {
	CreateTx(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error
	// ClaimBatch picks up to limit due pending rows with FOR UPDATE SKIP
	// LOCKED, stamps them processing, and returns them
	ClaimBatch(ctx context.Context, claimant string, limit int, now time.Time) ([]*domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string, now time.Time) error
	// MarkFailed reschedules the event or deadletters it once attempts
	// reach domain.MaxOutboxAttempts
	MarkFailed(ctx context.Context, id string, attemptErr string, nextAttempt time.Time) error
	// ReleaseStale returns processing rows whose claim aged past cutoff to
	// pending, recovering from crashed relays
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
	DeletePublishedBefore(ctx context.Context, before time.Time, limit int) (int64, error)
	GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error)
	ListDeadletter(ctx context.Context, tenantID string, limit int) ([]*domain.OutboxEvent, error)
}

// IdempotencyRepository defines the durable tier of the idempotency store
type IdempotencyRepository interface {
	// Insert races to create the record; a unique violation on (tenant, key)
	// means another request got there first and the caller must re-read
	Insert(ctx context.Context, rec *domain.IdempotencyRecord) error
	Get(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error)
	Complete(ctx context.Context, tenantID, key string, responseStatus int, body []byte, now time.Time) error
	Fail(ctx context.Context, tenantID, key string, now time.Time) error
	// Reopen flips a failed record back to processing for a retry; zero
	// rows affected means another retry got there first
	Reopen(ctx context.Context, tenantID, key string, now time.Time) error
	Delete(ctx context.Context, tenantID, key string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	// ListStaleProcessing returns processing records untouched since before,
	// candidates for reconciliation against committed state
	ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*domain.IdempotencyRecord, error)
}

// DispatchRepository defines notification dispatch persistence
type DispatchRepository interface {
	// CreateBatch inserts dispatch rows with ON CONFLICT DO NOTHING on the
	// (outbox_event_id, channel, recipient_id) key and returns how many rows
	// were actually inserted
	CreateBatch(ctx context.Context, dispatches []*domain.NotificationDispatch) (int64, error)
	ClaimBatch(ctx context.Context, channel domain.Channel, limit int, now time.Time) ([]*domain.NotificationDispatch, error)
	// MarkAccepted records the provider message id while the dispatch stays
	// sending, awaiting the provider's delivery-status callback
	MarkAccepted(ctx context.Context, id, externalID string, now time.Time) error
	MarkDelivered(ctx context.Context, id, externalID string, now time.Time) error
	// MarkRetrying counts the attempt and reschedules, or fails the
	// dispatch once attempts reach maxAttempts
	MarkRetrying(ctx context.Context, id string, attemptErr string, nextAttempt time.Time, maxAttempts int) error
	MarkFailed(ctx context.Context, id string, attemptErr string, now time.Time) error
	MarkSkipped(ctx context.Context, id, reason string, now time.Time) error
	// Reschedule pushes a claimed dispatch back to pending for nextAttempt
	// without spending an attempt
	Reschedule(ctx context.Context, id, reason string, nextAttempt time.Time) error
	// ReleaseStale returns sending rows whose claim aged past cutoff to
	// pending, recovering from crashed dispatchers
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
	GetByExternalID(ctx context.Context, tenantID, externalID string) (*domain.NotificationDispatch, error)
	ListByEvent(ctx context.Context, tenantID, outboxEventID string) ([]*domain.NotificationDispatch, error)
}

// WebhookRepository defines webhook dedup persistence
type WebhookRepository interface {
	// Insert records the event; domain.ErrWebhookDuplicate on the unique
	// (tenant, source, external id) key
	Insert(ctx context.Context, evt *domain.WebhookEvent) error
	MarkProcessed(ctx context.Context, id string, processErr string, now time.Time) error
	DeleteBefore(ctx context.Context, before time.Time, limit int) (int64, error)
}

// ReferenceRepository serves the slow-changing reference data read by the
// policy validator and notification dispatcher
type ReferenceRepository interface {
	// ListTenantIDs enumerates tenants for per-tenant maintenance passes
	ListTenantIDs(ctx context.Context) ([]string, error)
	GetTenantPolicy(ctx context.Context, tenantID string) (*domain.TenantPolicy, error)
	GetResource(ctx context.Context, tenantID, id string) (*domain.Resource, error)
	ListResources(ctx context.Context, tenantID string) ([]*domain.Resource, error)
	GetService(ctx context.Context, tenantID, id string) (*domain.Service, error)
	GetCustomer(ctx context.Context, tenantID, id string) (*domain.Customer, error)
	ListBusinessHours(ctx context.Context, tenantID, resourceID string) ([]*domain.BusinessHours, error)
	ListHolidays(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]*domain.Holiday, error)
	ListTimeOff(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]*domain.ResourceTimeOff, error)
	ListPreferences(ctx context.Context, tenantID, customerID string) ([]*domain.NotificationPreference, error)
	GetTemplate(ctx context.Context, tenantID, eventType string, channel domain.Channel, language string) (*domain.Template, error)
	GetWebhookSecret(ctx context.Context, tenantID string, source domain.WebhookSource) (string, error)
}

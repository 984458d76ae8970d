package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

const bookingColumns = `
	id, tenant_id, customer_id, service_id,
	start_at, end_at, status, total_minor, currency,
	idempotency_key, payment_id, expires_at, created_at, updated_at
`

// PostgresBookingRepository implements BookingRepository using PostgreSQL
type PostgresBookingRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresBookingRepository creates a new PostgresBookingRepository
func NewPostgresBookingRepository(pool *pgxpool.Pool) *PostgresBookingRepository {
	return &PostgresBookingRepository{pool: pool}
}

// Create inserts the booking and its items inside the caller's transaction
func (r *PostgresBookingRepository) Create(ctx context.Context, tx pgx.Tx, booking *domain.Booking) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.create")
	defer span.End()

	span.SetAttributes(
		attribute.String("booking_id", booking.ID),
		attribute.String("customer_id", booking.CustomerID),
		attribute.Int("items", len(booking.Items)),
	)

	query := `
		INSERT INTO bookings (
			id, tenant_id, customer_id, service_id,
			start_at, end_at, status, total_minor, currency,
			idempotency_key, payment_id, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := tx.Exec(ctx, query,
		booking.ID,
		booking.TenantID,
		booking.CustomerID,
		booking.ServiceID,
		booking.StartAt,
		booking.EndAt,
		booking.Status.String(),
		booking.TotalMinor,
		booking.Currency,
		nullString(booking.IdempotencyKey),
		nullString(booking.PaymentID),
		booking.ExpiresAt,
		booking.CreatedAt,
		booking.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create booking: %w", err)
	}

	itemQuery := `
		INSERT INTO booking_items (
			id, booking_id, tenant_id, timeslot_id, resource_id,
			reserved_capacity, slot_version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, item := range booking.Items {
		if _, err := tx.Exec(ctx, itemQuery,
			item.ID,
			item.BookingID,
			item.TenantID,
			item.TimeslotID,
			item.ResourceID,
			item.ReservedCapacity,
			item.SlotVersion,
			item.CreatedAt,
		); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to create booking item: %w", err)
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetByID retrieves a booking with its items
func (r *PostgresBookingRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.Booking, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.get_by_id")
	defer span.End()

	span.SetAttributes(attribute.String("booking_id", id))

	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE tenant_id = $1 AND id = $2`

	booking, err := scanBooking(r.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrBookingNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	if booking.Items, err = r.listItems(ctx, r.pool, tenantID, id); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return booking, nil
}

// GetForUpdate locks the booking row inside tx and loads its items
func (r *PostgresBookingRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID, id string) (*domain.Booking, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.get_for_update")
	defer span.End()

	span.SetAttributes(attribute.String("booking_id", id))

	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE tenant_id = $1 AND id = $2 FOR UPDATE`

	booking, err := scanBooking(tx.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrBookingNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to lock booking: %w", err)
	}

	if booking.Items, err = r.listItems(ctx, tx, tenantID, id); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return booking, nil
}

// UpdateStatus transitions the booking from one status to another. The WHERE
// clause pins the old status so a concurrent transition loses cleanly with
// ErrInvalidTransition.
func (r *PostgresBookingRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, tenantID, id string, from, to domain.BookingStatus, now time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.update_status")
	defer span.End()

	span.SetAttributes(
		attribute.String("booking_id", id),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	)

	query := `
		UPDATE bookings SET
			status = $4,
			expires_at = CASE WHEN $4 = 'tentative' THEN expires_at ELSE NULL END,
			updated_at = $5
		WHERE tenant_id = $1 AND id = $2 AND status = $3
	`

	tag, err := tx.Exec(ctx, query, tenantID, id, from.String(), to.String(), now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "status moved")
		return domain.ErrInvalidTransition
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// SetPayment attaches a payment id to the booking
func (r *PostgresBookingRepository) SetPayment(ctx context.Context, tx pgx.Tx, tenantID, id, paymentID string) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.set_payment")
	defer span.End()

	query := `UPDATE bookings SET payment_id = $3, updated_at = now() WHERE tenant_id = $1 AND id = $2`

	tag, err := tx.Exec(ctx, query, tenantID, id, paymentID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to set payment id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBookingNotFound
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetByIdempotencyKey resolves the booking created under an idempotency key
func (r *PostgresBookingRepository) GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Booking, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.get_by_idempotency_key")
	defer span.End()

	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE tenant_id = $1 AND idempotency_key = $2`

	booking, err := scanBooking(r.pool.QueryRow(ctx, query, tenantID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrBookingNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get booking by idempotency key: %w", err)
	}

	if booking.Items, err = r.listItems(ctx, r.pool, tenantID, booking.ID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return booking, nil
}

// ListByCustomer returns a customer's bookings, newest first
func (r *PostgresBookingRepository) ListByCustomer(ctx context.Context, tenantID, customerID string, limit, offset int) ([]*domain.Booking, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.list_by_customer")
	defer span.End()

	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE tenant_id = $1 AND customer_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.pool.Query(ctx, query, tenantID, customerID, limit, offset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	bookings, err := collectBookings(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(bookings)))
	span.SetStatus(codes.Ok, "")
	return bookings, nil
}

// CountActiveByCustomer counts the customer's tentative plus confirmed
// future bookings
func (r *PostgresBookingRepository) CountActiveByCustomer(ctx context.Context, tenantID, customerID string) (int, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.count_active")
	defer span.End()

	query := `
		SELECT count(*)
		FROM bookings
		WHERE tenant_id = $1 AND customer_id = $2
		  AND status IN ('tentative', 'confirmed')
		  AND end_at > now()
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, tenantID, customerID).Scan(&count); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to count active bookings: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return count, nil
}

// FindOverlapping returns the customer's active bookings intersecting
// [start, end)
func (r *PostgresBookingRepository) FindOverlapping(ctx context.Context, tenantID, customerID string, start, end time.Time) ([]*domain.Booking, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.find_overlapping")
	defer span.End()

	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE tenant_id = $1 AND customer_id = $2
		  AND status IN ('tentative', 'confirmed')
		  AND start_at < $4 AND end_at > $3
	`

	rows, err := r.pool.Query(ctx, query, tenantID, customerID, start, end)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find overlapping bookings: %w", err)
	}
	defer rows.Close()

	bookings, err := collectBookings(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return bookings, nil
}

// ListExpiredTentative returns tentative bookings whose hold lapsed before
// cutoff, across all tenants, for the expiry worker
func (r *PostgresBookingRepository) ListExpiredTentative(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Booking, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.list_expired")
	defer span.End()

	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = 'tentative' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list expired bookings: %w", err)
	}
	defer rows.Close()

	bookings, err := collectBookings(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, b := range bookings {
		if b.Items, err = r.listItems(ctx, r.pool, b.TenantID, b.ID); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	span.SetAttributes(attribute.Int("count", len(bookings)))
	span.SetStatus(codes.Ok, "")
	return bookings, nil
}

// AppendChange records one audit row for a booking transition
func (r *PostgresBookingRepository) AppendChange(ctx context.Context, tx pgx.Tx, change *domain.BookingChange) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.append_change")
	defer span.End()

	query := `
		INSERT INTO booking_changes (
			id, booking_id, tenant_id, old_status, new_status,
			old_start, new_start, reason, actor, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := tx.Exec(ctx, query,
		change.ID,
		change.BookingID,
		change.TenantID,
		nullString(change.OldStatus.String()),
		change.NewStatus.String(),
		change.OldStart,
		change.NewStart,
		nullString(change.Reason),
		nullString(change.Actor),
		change.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to append booking change: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ListChanges returns the audit trail for a booking, oldest first
func (r *PostgresBookingRepository) ListChanges(ctx context.Context, tenantID, bookingID string) ([]*domain.BookingChange, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.booking.list_changes")
	defer span.End()

	query := `
		SELECT id, booking_id, tenant_id, old_status, new_status,
		       old_start, new_start, reason, actor, created_at
		FROM booking_changes
		WHERE tenant_id = $1 AND booking_id = $2
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, tenantID, bookingID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list booking changes: %w", err)
	}
	defer rows.Close()

	var changes []*domain.BookingChange
	for rows.Next() {
		c := &domain.BookingChange{}
		var oldStatus, reason, actor *string
		if err := rows.Scan(&c.ID, &c.BookingID, &c.TenantID, &oldStatus, &c.NewStatus,
			&c.OldStart, &c.NewStart, &reason, &actor, &c.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan booking change: %w", err)
		}
		if oldStatus != nil {
			c.OldStatus = domain.BookingStatus(*oldStatus)
		}
		if reason != nil {
			c.Reason = *reason
		}
		if actor != nil {
			c.Actor = *actor
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating booking changes: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return changes, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PostgresBookingRepository) listItems(ctx context.Context, q querier, tenantID, bookingID string) ([]*domain.BookingItem, error) {
	query := `
		SELECT id, booking_id, tenant_id, timeslot_id, resource_id,
		       reserved_capacity, slot_version, created_at
		FROM booking_items
		WHERE tenant_id = $1 AND booking_id = $2
		ORDER BY resource_id, timeslot_id
	`

	rows, err := q.Query(ctx, query, tenantID, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list booking items: %w", err)
	}
	defer rows.Close()

	var items []*domain.BookingItem
	for rows.Next() {
		item := &domain.BookingItem{}
		if err := rows.Scan(&item.ID, &item.BookingID, &item.TenantID, &item.TimeslotID,
			&item.ResourceID, &item.ReservedCapacity, &item.SlotVersion, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan booking item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating booking items: %w", err)
	}
	return items, nil
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	booking := &domain.Booking{}
	var status string
	var idempotencyKey, paymentID *string
	err := row.Scan(
		&booking.ID,
		&booking.TenantID,
		&booking.CustomerID,
		&booking.ServiceID,
		&booking.StartAt,
		&booking.EndAt,
		&status,
		&booking.TotalMinor,
		&booking.Currency,
		&idempotencyKey,
		&paymentID,
		&booking.ExpiresAt,
		&booking.CreatedAt,
		&booking.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	booking.Status = domain.BookingStatus(status)
	if idempotencyKey != nil {
		booking.IdempotencyKey = *idempotencyKey
	}
	if paymentID != nil {
		booking.PaymentID = *paymentID
	}
	return booking, nil
}

func collectBookings(rows pgx.Rows) ([]*domain.Booking, error) {
	var bookings []*domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bookings: %w", err)
	}
	return bookings, nil
}

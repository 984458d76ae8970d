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

const timeslotColumns = `
	id, tenant_id, resource_id, service_id,
	start_at, end_at, total_capacity, booked_capacity,
	version, overbook_margin, created_at, updated_at
`

// PostgresTimeslotRepository implements TimeslotRepository using PostgreSQL
type PostgresTimeslotRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresTimeslotRepository creates a new PostgresTimeslotRepository
func NewPostgresTimeslotRepository(pool *pgxpool.Pool) *PostgresTimeslotRepository {
	return &PostgresTimeslotRepository{pool: pool}
}

// GetByID retrieves a timeslot without locking it
func (r *PostgresTimeslotRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.Timeslot, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.timeslot.get_by_id")
	defer span.End()

	span.SetAttributes(attribute.String("timeslot_id", id))

	query := `SELECT ` + timeslotColumns + ` FROM timeslots WHERE tenant_id = $1 AND id = $2`

	slot, err := scanTimeslot(r.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrTimeslotNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get timeslot: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return slot, nil
}

// GetForUpdate locks the referenced slots inside tx. Refs are sorted into
// the canonical (resource_id, timeslot_id) order before any lock is taken so
// concurrent multi-slot transactions acquire locks in the same sequence.
func (r *PostgresTimeslotRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, tenantID string, refs []domain.SlotRef) ([]*domain.Timeslot, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.timeslot.get_for_update")
	defer span.End()

	span.SetAttributes(attribute.Int("slot_count", len(refs)))

	ordered := make([]domain.SlotRef, len(refs))
	copy(ordered, refs)
	domain.SortSlotRefs(ordered)

	query := `SELECT ` + timeslotColumns + ` FROM timeslots WHERE tenant_id = $1 AND id = $2 FOR UPDATE`

	slots := make([]*domain.Timeslot, 0, len(ordered))
	for _, ref := range ordered {
		slot, err := scanTimeslot(tx.QueryRow(ctx, query, tenantID, ref.TimeslotID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				span.SetStatus(codes.Error, "not found")
				return nil, fmt.Errorf("timeslot %s: %w", ref.TimeslotID, domain.ErrTimeslotNotFound)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to lock timeslot %s: %w", ref.TimeslotID, err)
		}
		slots = append(slots, slot)
	}

	span.SetStatus(codes.Ok, "")
	return slots, nil
}

// ApplyDelta adjusts booked capacity under the version fence. The update
// recomputes against the live row, so a concurrent writer that slipped in
// between read and write surfaces as ErrVersionMismatch.
func (r *PostgresTimeslotRepository) ApplyDelta(ctx context.Context, tx pgx.Tx, tenantID, id string, delta int, expectedVersion int64) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.timeslot.apply_delta")
	defer span.End()

	span.SetAttributes(
		attribute.String("timeslot_id", id),
		attribute.Int("delta", delta),
		attribute.Int64("expected_version", expectedVersion),
	)

	query := `
		UPDATE timeslots SET
			booked_capacity = booked_capacity + $4,
			version = version + 1,
			updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND version = $3
	`

	tag, err := tx.Exec(ctx, query, tenantID, id, expectedVersion, delta)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to apply capacity delta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "version mismatch")
		return domain.ErrVersionMismatch
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// SetCapacity overwrites total capacity under the version fence
func (r *PostgresTimeslotRepository) SetCapacity(ctx context.Context, tx pgx.Tx, tenantID, id string, total int, expectedVersion int64) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.timeslot.set_capacity")
	defer span.End()

	span.SetAttributes(attribute.String("timeslot_id", id), attribute.Int("total", total))

	query := `
		UPDATE timeslots SET
			total_capacity = $4,
			version = version + 1,
			updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND version = $3
	`

	tag, err := tx.Exec(ctx, query, tenantID, id, expectedVersion, total)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to set capacity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "version mismatch")
		return domain.ErrVersionMismatch
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Upsert inserts a slot or refreshes its capacity fields, keyed on the
// natural (tenant, resource, start, end) identity so the generator is
// rerunnable
func (r *PostgresTimeslotRepository) Upsert(ctx context.Context, tx pgx.Tx, slot *domain.Timeslot) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.timeslot.upsert")
	defer span.End()

	query := `
		INSERT INTO timeslots (
			id, tenant_id, resource_id, service_id,
			start_at, end_at, total_capacity, booked_capacity,
			version, overbook_margin, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 1, $8, $9, $9)
		ON CONFLICT (tenant_id, resource_id, start_at, end_at) DO UPDATE SET
			total_capacity = EXCLUDED.total_capacity,
			overbook_margin = EXCLUDED.overbook_margin,
			version = timeslots.version + 1,
			updated_at = EXCLUDED.updated_at
	`

	_, err := tx.Exec(ctx, query,
		slot.ID,
		slot.TenantID,
		slot.ResourceID,
		nullString(slot.ServiceID),
		slot.StartAt,
		slot.EndAt,
		slot.TotalCapacity,
		slot.OverbookMargin,
		slot.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to upsert timeslot: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ListWindow returns all slots for a resource in [from, to)
func (r *PostgresTimeslotRepository) ListWindow(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]*domain.Timeslot, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.timeslot.list_window")
	defer span.End()

	query := `
		SELECT ` + timeslotColumns + `
		FROM timeslots
		WHERE tenant_id = $1 AND resource_id = $2 AND start_at >= $3 AND start_at < $4
		ORDER BY start_at
	`

	rows, err := r.pool.Query(ctx, query, tenantID, resourceID, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list timeslots: %w", err)
	}
	defer rows.Close()

	var slots []*domain.Timeslot
	for rows.Next() {
		slot, err := scanTimeslot(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating timeslots: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(slots)))
	span.SetStatus(codes.Ok, "")
	return slots, nil
}

// ListAvailability returns the availability read model for the requested
// resources, hiding slots with nothing left
func (r *PostgresTimeslotRepository) ListAvailability(ctx context.Context, tenantID string, resourceIDs []string, from, to time.Time) ([]domain.AvailabilityWindow, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.timeslot.list_availability")
	defer span.End()

	query := `
		SELECT id, resource_id, start_at, end_at,
		       greatest(total_capacity + overbook_margin - booked_capacity, 0),
		       version
		FROM timeslots
		WHERE tenant_id = $1 AND resource_id = ANY($2) AND start_at >= $3 AND start_at < $4
		  AND total_capacity + overbook_margin - booked_capacity > 0
		ORDER BY resource_id, start_at
	`

	rows, err := r.pool.Query(ctx, query, tenantID, resourceIDs, from, to)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query availability: %w", err)
	}
	defer rows.Close()

	var windows []domain.AvailabilityWindow
	for rows.Next() {
		var w domain.AvailabilityWindow
		if err := rows.Scan(&w.TimeslotID, &w.ResourceID, &w.StartAt, &w.EndAt, &w.Remaining, &w.Version); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan availability row: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating availability: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(windows)))
	span.SetStatus(codes.Ok, "")
	return windows, nil
}

// CheckCapacity answers a batch of capacity questions in one query and
// without row locks. Each query reports the minimum remaining capacity
// across the slots overlapping its range; a range with no slots reports
// zero, which reads as not obtainable.
func (r *PostgresTimeslotRepository) CheckCapacity(ctx context.Context, tenantID string, queries []domain.CapacityQuery) ([]domain.CapacityCheck, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.timeslot.check_capacity")
	defer span.End()

	span.SetAttributes(attribute.Int("query_count", len(queries)))
	if len(queries) == 0 {
		return nil, nil
	}

	resourceIDs := make([]string, len(queries))
	starts := make([]time.Time, len(queries))
	ends := make([]time.Time, len(queries))
	for i, q := range queries {
		resourceIDs[i] = q.ResourceID
		starts[i] = q.StartAt
		ends[i] = q.EndAt
	}

	query := `
		SELECT q.ord,
		       coalesce(min(greatest(t.total_capacity + t.overbook_margin - t.booked_capacity, 0)), 0),
		       count(t.id)
		FROM unnest($2::text[], $3::timestamptz[], $4::timestamptz[])
		     WITH ORDINALITY AS q(resource_id, start_at, end_at, ord)
		LEFT JOIN timeslots t
		       ON t.tenant_id = $1 AND t.resource_id = q.resource_id
		      AND t.start_at < q.end_at AND t.end_at > q.start_at
		GROUP BY q.ord
		ORDER BY q.ord
	`

	rows, err := r.pool.Query(ctx, query, tenantID, resourceIDs, starts, ends)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to check capacity: %w", err)
	}
	defer rows.Close()

	checks := make([]domain.CapacityCheck, len(queries))
	for rows.Next() {
		var ord int64
		var available, slotCount int
		if err := rows.Scan(&ord, &available, &slotCount); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan capacity row: %w", err)
		}
		i := int(ord) - 1
		if i < 0 || i >= len(queries) {
			continue
		}
		if slotCount == 0 {
			available = 0
		}
		required := queries[i].Required
		if required <= 0 {
			required = 1
		}
		checks[i] = domain.CapacityCheck{
			Query:      queries[i],
			Available:  available,
			Obtainable: available >= required,
		}
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating capacity checks: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return checks, nil
}

// MaxVersionStamp returns the highest slot version and row count in the
// window. The pair changes whenever any slot in the window changes, which
// makes it a cheap ETag input.
func (r *PostgresTimeslotRepository) MaxVersionStamp(ctx context.Context, tenantID string, resourceIDs []string, from, to time.Time) (int64, int, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.timeslot.max_version")
	defer span.End()

	query := `
		SELECT coalesce(max(version), 0), count(*)
		FROM timeslots
		WHERE tenant_id = $1 AND resource_id = ANY($2) AND start_at >= $3 AND start_at < $4
	`

	var maxVersion int64
	var count int
	if err := r.pool.QueryRow(ctx, query, tenantID, resourceIDs, from, to).Scan(&maxVersion, &count); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, 0, fmt.Errorf("failed to query version stamp: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return maxVersion, count, nil
}

// DeleteEmptyBefore removes past slots with no bookings, in bounded batches
func (r *PostgresTimeslotRepository) DeleteEmptyBefore(ctx context.Context, tenantID string, before time.Time, limit int) (int64, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.timeslot.delete_empty")
	defer span.End()

	query := `
		DELETE FROM timeslots
		WHERE id IN (
			SELECT id FROM timeslots
			WHERE tenant_id = $1 AND end_at < $2 AND booked_capacity = 0
			LIMIT $3
		)
	`

	tag, err := r.pool.Exec(ctx, query, tenantID, before, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to delete empty timeslots: %w", err)
	}

	span.SetAttributes(attribute.Int64("deleted", tag.RowsAffected()))
	span.SetStatus(codes.Ok, "")
	return tag.RowsAffected(), nil
}

func scanTimeslot(row pgx.Row) (*domain.Timeslot, error) {
	slot := &domain.Timeslot{}
	var serviceID *string
	err := row.Scan(
		&slot.ID,
		&slot.TenantID,
		&slot.ResourceID,
		&serviceID,
		&slot.StartAt,
		&slot.EndAt,
		&slot.TotalCapacity,
		&slot.BookedCapacity,
		&slot.Version,
		&slot.OverbookMargin,
		&slot.CreatedAt,
		&slot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if serviceID != nil {
		slot.ServiceID = *serviceID
	}
	return slot, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

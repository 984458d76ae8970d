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

const outboxColumns = `
	id, tenant_id, aggregate_type, aggregate_id, event_type, payload,
	status, attempts, next_attempt_at, claimed_by, claimed_at,
	published_at, last_error, created_at
`

// PostgresOutboxRepository implements OutboxRepository using PostgreSQL
type PostgresOutboxRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresOutboxRepository creates a new PostgresOutboxRepository
func NewPostgresOutboxRepository(pool *pgxpool.Pool) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{pool: pool}
}

// CreateTx persists the event inside the caller's transaction, so the event
// commits or rolls back with the state change that produced it
func (r *PostgresOutboxRepository) CreateTx(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.outbox.create_tx")
	defer span.End()

	span.SetAttributes(
		attribute.String("event_id", event.ID),
		attribute.String("event_type", event.EventType),
	)

	query := `
		INSERT INTO outbox_events (
			id, tenant_id, aggregate_type, aggregate_id, event_type,
			payload, status, attempts, next_attempt_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
	`

	_, err := tx.Exec(ctx, query,
		event.ID,
		event.TenantID,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Payload,
		domain.OutboxStatusPending.String(),
		event.NextAttemptAt,
		event.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create outbox event: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ClaimBatch locks up to limit due pending rows with SKIP LOCKED so
// concurrent relays never contend on the same events, and stamps them
// processing under this claimant
func (r *PostgresOutboxRepository) ClaimBatch(ctx context.Context, claimant string, limit int, now time.Time) ([]*domain.OutboxEvent, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.outbox.claim_batch")
	defer span.End()

	span.SetAttributes(attribute.String("claimant", claimant), attribute.Int("limit", limit))

	query := `
		UPDATE outbox_events SET
			status = 'processing',
			claimed_by = $1,
			claimed_at = $2
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'pending' AND next_attempt_at <= $2
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + outboxColumns

	rows, err := r.pool.Query(ctx, query, claimant, now, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		evt, err := scanOutboxEvent(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating claimed events: %w", err)
	}

	span.SetAttributes(attribute.Int("claimed", len(events)))
	span.SetStatus(codes.Ok, "")
	return events, nil
}

// MarkPublished finalizes a delivered event
func (r *PostgresOutboxRepository) MarkPublished(ctx context.Context, id string, now time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.outbox.mark_published")
	defer span.End()

	query := `
		UPDATE outbox_events SET
			status = 'published',
			published_at = $2,
			claimed_by = NULL,
			claimed_at = NULL,
			last_error = NULL
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark outbox event published: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// MarkFailed counts the attempt and either reschedules the event or
// deadletters it once the attempt ceiling is hit
func (r *PostgresOutboxRepository) MarkFailed(ctx context.Context, id string, attemptErr string, nextAttempt time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.outbox.mark_failed")
	defer span.End()

	query := `
		UPDATE outbox_events SET
			attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= $3 THEN 'deadletter' ELSE 'pending' END,
			next_attempt_at = $4,
			claimed_by = NULL,
			claimed_at = NULL,
			last_error = $2
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, attemptErr, domain.MaxOutboxAttempts, nextAttempt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark outbox event failed: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ReleaseStale returns events stuck in processing past cutoff to pending
func (r *PostgresOutboxRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.outbox.release_stale")
	defer span.End()

	query := `
		UPDATE outbox_events SET
			status = 'pending',
			claimed_by = NULL,
			claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1
	`

	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}

	span.SetAttributes(attribute.Int64("released", tag.RowsAffected()))
	span.SetStatus(codes.Ok, "")
	return tag.RowsAffected(), nil
}

// DeletePublishedBefore prunes delivered events in bounded batches
func (r *PostgresOutboxRepository) DeletePublishedBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.outbox.delete_published")
	defer span.End()

	query := `
		DELETE FROM outbox_events
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'published' AND published_at < $1
			LIMIT $2
		)
	`

	tag, err := r.pool.Exec(ctx, query, before, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to delete published events: %w", err)
	}

	span.SetAttributes(attribute.Int64("deleted", tag.RowsAffected()))
	span.SetStatus(codes.Ok, "")
	return tag.RowsAffected(), nil
}

// GetByID retrieves one outbox event
func (r *PostgresOutboxRepository) GetByID(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.outbox.get_by_id")
	defer span.End()

	query := `SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = $1`

	evt, err := scanOutboxEvent(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, pgx.ErrNoRows
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get outbox event: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return evt, nil
}

// ListDeadletter returns deadlettered events for operator inspection
func (r *PostgresOutboxRepository) ListDeadletter(ctx context.Context, tenantID string, limit int) ([]*domain.OutboxEvent, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.outbox.list_deadletter")
	defer span.End()

	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE tenant_id = $1 AND status = 'deadletter'
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list deadletter events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		evt, err := scanOutboxEvent(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating deadletter events: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return events, nil
}

func scanOutboxEvent(row pgx.Row) (*domain.OutboxEvent, error) {
	evt := &domain.OutboxEvent{}
	var status string
	var claimedBy, lastError *string
	err := row.Scan(
		&evt.ID,
		&evt.TenantID,
		&evt.AggregateType,
		&evt.AggregateID,
		&evt.EventType,
		&evt.Payload,
		&status,
		&evt.Attempts,
		&evt.NextAttemptAt,
		&claimedBy,
		&evt.ClaimedAt,
		&evt.PublishedAt,
		&lastError,
		&evt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	evt.Status = domain.OutboxStatus(status)
	if claimedBy != nil {
		evt.ClaimedBy = *claimedBy
	}
	if lastError != nil {
		evt.LastError = *lastError
	}
	return evt, nil
}

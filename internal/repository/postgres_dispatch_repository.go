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

const dispatchColumns = `
	id, tenant_id, outbox_event_id, event_type, channel, recipient_id,
	recipient, language, priority, status, attempts, next_attempt_at,
	payload, external_id, last_error, delivered_at, created_at, updated_at
`

// PostgresDispatchRepository implements DispatchRepository using PostgreSQL
type PostgresDispatchRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresDispatchRepository creates a new PostgresDispatchRepository
func NewPostgresDispatchRepository(pool *pgxpool.Pool) *PostgresDispatchRepository {
	return &PostgresDispatchRepository{pool: pool}
}

// CreateBatch fans out dispatch rows. ON CONFLICT DO NOTHING on the
// (outbox_event_id, channel, recipient_id) key makes the fan-out safe to
// replay when the relay redelivers an event.
func (r *PostgresDispatchRepository) CreateBatch(ctx context.Context, dispatches []*domain.NotificationDispatch) (int64, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.dispatch.create_batch")
	defer span.End()

	span.SetAttributes(attribute.Int("batch", len(dispatches)))

	query := `
		INSERT INTO notification_dispatches (
			id, tenant_id, outbox_event_id, event_type, channel, recipient_id,
			recipient, language, priority, status, attempts, next_attempt_at,
			payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12, $13, $13)
		ON CONFLICT (outbox_event_id, channel, recipient_id) DO NOTHING
	`

	var inserted int64
	for _, d := range dispatches {
		tag, err := r.pool.Exec(ctx, query,
			d.ID,
			d.TenantID,
			d.OutboxEventID,
			d.EventType,
			d.Channel.String(),
			d.RecipientID,
			d.Recipient,
			d.Language,
			int(d.Priority),
			d.Status.String(),
			d.NextAttemptAt,
			d.Payload,
			d.CreatedAt,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return inserted, fmt.Errorf("failed to create dispatch: %w", err)
		}
		inserted += tag.RowsAffected()
	}

	span.SetAttributes(attribute.Int64("inserted", inserted))
	span.SetStatus(codes.Ok, "")
	return inserted, nil
}

// ClaimBatch picks due work for one channel, highest priority first, with
// SKIP LOCKED so worker replicas shard the queue between themselves
func (r *PostgresDispatchRepository) ClaimBatch(ctx context.Context, channel domain.Channel, limit int, now time.Time) ([]*domain.NotificationDispatch, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.dispatch.claim_batch")
	defer span.End()

	span.SetAttributes(attribute.String("channel", channel.String()), attribute.Int("limit", limit))

	query := `
		UPDATE notification_dispatches SET
			status = 'sending',
			updated_at = $2
		WHERE id IN (
			SELECT id FROM notification_dispatches
			WHERE channel = $1 AND status IN ('pending', 'retrying') AND next_attempt_at <= $2
			ORDER BY priority DESC, next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + dispatchColumns

	rows, err := r.pool.Query(ctx, query, channel.String(), now, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to claim dispatch batch: %w", err)
	}
	defer rows.Close()

	var dispatches []*domain.NotificationDispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		dispatches = append(dispatches, d)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating claimed dispatches: %w", err)
	}

	span.SetAttributes(attribute.Int("claimed", len(dispatches)))
	span.SetStatus(codes.Ok, "")
	return dispatches, nil
}

// MarkAccepted records the provider message id on a dispatch the provider
// queued; the delivery-status webhook finalizes it later
func (r *PostgresDispatchRepository) MarkAccepted(ctx context.Context, id, externalID string, now time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.dispatch.mark_accepted")
	defer span.End()

	query := `
		UPDATE notification_dispatches SET
			external_id = $2,
			last_error = NULL,
			updated_at = $3
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, nullString(externalID), now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark dispatch accepted: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// MarkDelivered finalizes a delivered dispatch and records the provider's
// message id for webhook correlation
func (r *PostgresDispatchRepository) MarkDelivered(ctx context.Context, id, externalID string, now time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.dispatch.mark_delivered")
	defer span.End()

	query := `
		UPDATE notification_dispatches SET
			status = 'delivered',
			external_id = $2,
			delivered_at = $3,
			last_error = NULL,
			updated_at = $3
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, nullString(externalID), now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark dispatch delivered: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// MarkRetrying counts the attempt and reschedules, or fails the dispatch
// once attempts reach the ceiling
func (r *PostgresDispatchRepository) MarkRetrying(ctx context.Context, id string, attemptErr string, nextAttempt time.Time, maxAttempts int) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.dispatch.mark_retrying")
	defer span.End()

	if maxAttempts <= 0 {
		maxAttempts = domain.MaxDispatchAttempts
	}

	query := `
		UPDATE notification_dispatches SET
			attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'retrying' END,
			next_attempt_at = $4,
			last_error = $2,
			updated_at = now()
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, attemptErr, maxAttempts, nextAttempt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark dispatch retrying: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Reschedule pushes a claimed dispatch back to pending for nextAttempt
// without spending an attempt
func (r *PostgresDispatchRepository) Reschedule(ctx context.Context, id, reason string, nextAttempt time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.dispatch.reschedule")
	defer span.End()

	query := `
		UPDATE notification_dispatches SET
			status = 'pending',
			next_attempt_at = $3,
			last_error = $2,
			updated_at = now()
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, reason, nextAttempt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to reschedule dispatch: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// MarkFailed terminally fails a dispatch
func (r *PostgresDispatchRepository) MarkFailed(ctx context.Context, id string, attemptErr string, now time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.dispatch.mark_failed")
	defer span.End()

	query := `
		UPDATE notification_dispatches SET
			attempts = attempts + 1,
			status = 'failed',
			last_error = $2,
			updated_at = $3
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, attemptErr, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark dispatch failed: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// MarkSkipped closes a dispatch without delivery, recording why
func (r *PostgresDispatchRepository) MarkSkipped(ctx context.Context, id, reason string, now time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.dispatch.mark_skipped")
	defer span.End()

	query := `
		UPDATE notification_dispatches SET
			status = 'skipped',
			last_error = $2,
			updated_at = $3
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, reason, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark dispatch skipped: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ReleaseStale returns sending rows without a provider message id whose
// claim aged past cutoff to pending. Rows that already carry an external id
// stay put: the provider has them and the status webhook will close them.
func (r *PostgresDispatchRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.dispatch.release_stale")
	defer span.End()

	query := `
		UPDATE notification_dispatches SET
			status = 'pending'
		WHERE status = 'sending' AND external_id IS NULL AND updated_at < $1
	`

	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to release stale dispatches: %w", err)
	}

	span.SetAttributes(attribute.Int64("released", tag.RowsAffected()))
	span.SetStatus(codes.Ok, "")
	return tag.RowsAffected(), nil
}

// GetByExternalID resolves a provider message id back to its dispatch
func (r *PostgresDispatchRepository) GetByExternalID(ctx context.Context, tenantID, externalID string) (*domain.NotificationDispatch, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.dispatch.get_by_external_id")
	defer span.End()

	query := `
		SELECT ` + dispatchColumns + `
		FROM notification_dispatches
		WHERE tenant_id = $1 AND external_id = $2
	`

	d, err := scanDispatch(r.pool.QueryRow(ctx, query, tenantID, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "")
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get dispatch by external id: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return d, nil
}

// ListByEvent returns every dispatch fanned out from one outbox event
func (r *PostgresDispatchRepository) ListByEvent(ctx context.Context, tenantID, outboxEventID string) ([]*domain.NotificationDispatch, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.dispatch.list_by_event")
	defer span.End()

	query := `
		SELECT ` + dispatchColumns + `
		FROM notification_dispatches
		WHERE tenant_id = $1 AND outbox_event_id = $2
		ORDER BY channel, recipient_id
	`

	rows, err := r.pool.Query(ctx, query, tenantID, outboxEventID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list dispatches: %w", err)
	}
	defer rows.Close()

	var dispatches []*domain.NotificationDispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		dispatches = append(dispatches, d)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating dispatches: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return dispatches, nil
}

func scanDispatch(row pgx.Row) (*domain.NotificationDispatch, error) {
	d := &domain.NotificationDispatch{}
	var channel, status string
	var priority int
	var externalID, lastError *string
	err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.OutboxEventID,
		&d.EventType,
		&channel,
		&d.RecipientID,
		&d.Recipient,
		&d.Language,
		&priority,
		&status,
		&d.Attempts,
		&d.NextAttemptAt,
		&d.Payload,
		&externalID,
		&lastError,
		&d.DeliveredAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Channel = domain.Channel(channel)
	d.Status = domain.DispatchStatus(status)
	d.Priority = domain.Priority(priority)
	if externalID != nil {
		d.ExternalID = *externalID
	}
	if lastError != nil {
		d.LastError = *lastError
	}
	return d, nil
}

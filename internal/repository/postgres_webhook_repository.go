package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/pkg/database"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// PostgresWebhookRepository implements WebhookRepository using PostgreSQL
type PostgresWebhookRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresWebhookRepository creates a new PostgresWebhookRepository
func NewPostgresWebhookRepository(pool *pgxpool.Pool) *PostgresWebhookRepository {
	return &PostgresWebhookRepository{pool: pool}
}

// Insert records a received webhook; a duplicate external event id reports
// domain.ErrWebhookDuplicate
func (r *PostgresWebhookRepository) Insert(ctx context.Context, evt *domain.WebhookEvent) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.webhook.insert")
	defer span.End()

	span.SetAttributes(
		attribute.String("source", string(evt.Source)),
		attribute.String("external_event_id", evt.ExternalEventID),
	)

	query := `
		INSERT INTO webhook_events (
			id, tenant_id, source, external_event_id, event_type, payload, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		evt.ID,
		evt.TenantID,
		string(evt.Source),
		evt.ExternalEventID,
		evt.EventType,
		evt.Payload,
		evt.ReceivedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err, "webhook_events_tenant_source_external_key") {
			span.SetStatus(codes.Error, "duplicate")
			return domain.ErrWebhookDuplicate
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// MarkProcessed stamps the processing outcome on the event
func (r *PostgresWebhookRepository) MarkProcessed(ctx context.Context, id string, processErr string, now time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.webhook.mark_processed")
	defer span.End()

	query := `
		UPDATE webhook_events SET processed_at = $2, process_error = $3
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id, now, nullString(processErr)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// DeleteBefore prunes aged webhook dedup rows in bounded batches
func (r *PostgresWebhookRepository) DeleteBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.webhook.delete_before")
	defer span.End()

	query := `
		DELETE FROM webhook_events
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE received_at < $1
			LIMIT $2
		)
	`

	tag, err := r.pool.Exec(ctx, query, before, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to delete webhook events: %w", err)
	}

	span.SetAttributes(attribute.Int64("deleted", tag.RowsAffected()))
	span.SetStatus(codes.Ok, "")
	return tag.RowsAffected(), nil
}

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
	"github.com/wer-inc/ripipi/pkg/database"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// PostgresIdempotencyRepository implements IdempotencyRepository using
// PostgreSQL. The primary key over (tenant_id, key) is the arbiter when two
// identical requests race.
type PostgresIdempotencyRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresIdempotencyRepository creates a new PostgresIdempotencyRepository
func NewPostgresIdempotencyRepository(pool *pgxpool.Pool) *PostgresIdempotencyRepository {
	return &PostgresIdempotencyRepository{pool: pool}
}

// Insert races to create the processing record
func (r *PostgresIdempotencyRepository) Insert(ctx context.Context, rec *domain.IdempotencyRecord) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.idempotency.insert")
	defer span.End()

	span.SetAttributes(attribute.String("key", rec.Key))

	query := `
		INSERT INTO idempotency_records (
			tenant_id, key, fingerprint, status, retry_count, max_retries,
			created_at, updated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		rec.TenantID,
		rec.Key,
		rec.Fingerprint,
		rec.Status.String(),
		rec.RetryCount,
		rec.MaxRetries,
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err, "idempotency_records_pkey") {
			span.SetStatus(codes.Error, "duplicate key")
			return domain.ErrIdempotencyInProgress
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert idempotency record: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Get retrieves the record for (tenant, key), nil when absent
func (r *PostgresIdempotencyRepository) Get(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.idempotency.get")
	defer span.End()

	query := `
		SELECT tenant_id, key, fingerprint, status,
		       response_status, response_body, retry_count, max_retries,
		       created_at, updated_at, expires_at
		FROM idempotency_records
		WHERE tenant_id = $1 AND key = $2
	`

	rec := &domain.IdempotencyRecord{}
	var status string
	var responseStatus *int
	err := r.pool.QueryRow(ctx, query, tenantID, key).Scan(
		&rec.TenantID,
		&rec.Key,
		&rec.Fingerprint,
		&status,
		&responseStatus,
		&rec.ResponseBody,
		&rec.RetryCount,
		&rec.MaxRetries,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "")
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	rec.Status = domain.IdempotencyStatus(status)
	if responseStatus != nil {
		rec.ResponseStatus = *responseStatus
	}

	span.SetStatus(codes.Ok, "")
	return rec, nil
}

// Complete stores the final response against the key
func (r *PostgresIdempotencyRepository) Complete(ctx context.Context, tenantID, key string, responseStatus int, body []byte, now time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.idempotency.complete")
	defer span.End()

	query := `
		UPDATE idempotency_records SET
			status = 'completed',
			response_status = $3,
			response_body = $4,
			updated_at = $5
		WHERE tenant_id = $1 AND key = $2
	`

	if _, err := r.pool.Exec(ctx, query, tenantID, key, responseStatus, body, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Fail marks the record failed so the key can be retried with the same
// payload
func (r *PostgresIdempotencyRepository) Fail(ctx context.Context, tenantID, key string, now time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.idempotency.fail")
	defer span.End()

	query := `
		UPDATE idempotency_records SET status = 'failed', updated_at = $3
		WHERE tenant_id = $1 AND key = $2
	`

	if _, err := r.pool.Exec(ctx, query, tenantID, key, now); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to mark idempotency record failed: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Reopen flips a failed record back to processing for a retry, counting
// the attempt against the record's retry budget
func (r *PostgresIdempotencyRepository) Reopen(ctx context.Context, tenantID, key string, now time.Time) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.idempotency.reopen")
	defer span.End()

	query := `
		UPDATE idempotency_records SET
			status = 'processing',
			retry_count = retry_count + 1,
			updated_at = $3
		WHERE tenant_id = $1 AND key = $2 AND status = 'failed'
			AND retry_count < max_retries
	`

	tag, err := r.pool.Exec(ctx, query, tenantID, key, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to reopen idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "lost reopen race")
		return domain.ErrIdempotencyInProgress
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Delete removes one record by key
func (r *PostgresIdempotencyRepository) Delete(ctx context.Context, tenantID, key string) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.idempotency.delete")
	defer span.End()

	query := `DELETE FROM idempotency_records WHERE tenant_id = $1 AND key = $2`
	if _, err := r.pool.Exec(ctx, query, tenantID, key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete idempotency record: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// DeleteExpired prunes aged-out records in bounded batches
func (r *PostgresIdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.idempotency.delete_expired")
	defer span.End()

	query := `
		DELETE FROM idempotency_records
		WHERE (tenant_id, key) IN (
			SELECT tenant_id, key FROM idempotency_records
			WHERE expires_at < $1
			LIMIT $2
		)
	`

	tag, err := r.pool.Exec(ctx, query, now, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}

	span.SetAttributes(attribute.Int64("deleted", tag.RowsAffected()))
	span.SetStatus(codes.Ok, "")
	return tag.RowsAffected(), nil
}

// ListStaleProcessing returns processing records untouched since before
func (r *PostgresIdempotencyRepository) ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*domain.IdempotencyRecord, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.idempotency.list_stale_processing")
	defer span.End()

	query := `
		SELECT tenant_id, key, fingerprint, status,
		       response_status, response_body, retry_count, max_retries,
		       created_at, updated_at, expires_at
		FROM idempotency_records
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list stale idempotency records: %w", err)
	}
	defer rows.Close()

	var recs []*domain.IdempotencyRecord
	for rows.Next() {
		rec := &domain.IdempotencyRecord{}
		var status string
		var responseStatus *int
		if err := rows.Scan(
			&rec.TenantID,
			&rec.Key,
			&rec.Fingerprint,
			&status,
			&responseStatus,
			&rec.ResponseBody,
			&rec.RetryCount,
			&rec.MaxRetries,
			&rec.CreatedAt,
			&rec.UpdatedAt,
			&rec.ExpiresAt,
		); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan idempotency record: %w", err)
		}
		rec.Status = domain.IdempotencyStatus(status)
		if responseStatus != nil {
			rec.ResponseStatus = *responseStatus
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list stale idempotency records: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(recs)))
	span.SetStatus(codes.Ok, "")
	return recs, nil
}

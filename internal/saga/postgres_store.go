package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wer-inc/ripipi/pkg/database"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// PostgresStore implements Store using PostgreSQL, the durable arbiter
// for sagas that must survive a process crash
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed saga store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sagaColumns = `
	id, definition, tenant_id, status, state, step_results,
	current_step, error, created_at, updated_at, completed_at`

// Save persists a new saga instance
func (s *PostgresStore) Save(ctx context.Context, instance *Instance) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.saga.save")
	defer span.End()

	span.SetAttributes(
		attribute.String("saga_id", instance.ID),
		attribute.String("definition", instance.Definition),
	)

	stateJSON, stepsJSON, err := marshalInstance(instance)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	query := `
		INSERT INTO saga_instances (
			id, definition, tenant_id, status, state, step_results,
			current_step, error, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = s.pool.Exec(ctx, query,
		instance.ID,
		instance.Definition,
		instance.TenantID,
		string(instance.Status),
		stateJSON,
		stepsJSON,
		instance.CurrentStep,
		nullableError(instance.Error),
		instance.CreatedAt,
		instance.UpdatedAt,
		instance.CompletedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err, "saga_instances_pkey") {
			span.SetStatus(codes.Error, "duplicate")
			return ErrInstanceExists
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to save saga instance: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Get retrieves a saga instance by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*Instance, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.saga.get")
	defer span.End()

	query := `SELECT ` + sagaColumns + ` FROM saga_instances WHERE id = $1`

	instance, err := scanInstance(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, ErrInstanceNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get saga instance: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return instance, nil
}

// Update overwrites a saga instance's mutable columns
func (s *PostgresStore) Update(ctx context.Context, instance *Instance) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.saga.update")
	defer span.End()

	span.SetAttributes(
		attribute.String("saga_id", instance.ID),
		attribute.String("status", string(instance.Status)),
	)

	stateJSON, stepsJSON, err := marshalInstance(instance)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	query := `
		UPDATE saga_instances
		SET status = $2,
			state = $3,
			step_results = $4,
			current_step = $5,
			error = $6,
			updated_at = $7,
			completed_at = $8
		WHERE id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		instance.ID,
		string(instance.Status),
		stateJSON,
		stepsJSON,
		instance.CurrentStep,
		nullableError(instance.Error),
		instance.UpdatedAt,
		instance.CompletedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update saga instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "not found")
		return ErrInstanceNotFound
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Delete removes a saga instance
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ctx, span := telemetry.Start(ctx, "repo.postgres.saga.delete")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM saga_instances WHERE id = $1`, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete saga instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "not found")
		return ErrInstanceNotFound
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ListByStatus retrieves saga instances in the given status, oldest first
func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Instance, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.saga.list_by_status")
	defer span.End()

	span.SetAttributes(attribute.String("status", string(status)))

	query := `
		SELECT ` + sagaColumns + `
		FROM saga_instances
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`

	instances, err := s.collect(ctx, query, string(status), limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(instances)))
	span.SetStatus(codes.Ok, "")
	return instances, nil
}

// ListInterrupted returns failed or mid-compensation sagas for the reconciler
func (s *PostgresStore) ListInterrupted(ctx context.Context, limit int) ([]*Instance, error) {
	ctx, span := telemetry.Start(ctx, "repo.postgres.saga.list_interrupted")
	defer span.End()

	query := `
		SELECT ` + sagaColumns + `
		FROM saga_instances
		WHERE status IN ($1, $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`

	instances, err := s.collect(ctx, query, string(StatusFailed), string(StatusCompensating), limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(instances)))
	span.SetStatus(codes.Ok, "")
	return instances, nil
}

func (s *PostgresStore) collect(ctx context.Context, query string, args ...interface{}) ([]*Instance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list saga instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga instance: %w", err)
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

func scanInstance(row pgx.Row) (*Instance, error) {
	var (
		instance  Instance
		status    string
		stateJSON []byte
		stepsJSON []byte
		errMsg    *string
	)

	err := row.Scan(
		&instance.ID,
		&instance.Definition,
		&instance.TenantID,
		&status,
		&stateJSON,
		&stepsJSON,
		&instance.CurrentStep,
		&errMsg,
		&instance.CreatedAt,
		&instance.UpdatedAt,
		&instance.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.Status = Status(status)
	if errMsg != nil {
		instance.Error = *errMsg
	}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &instance.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal saga state: %w", err)
		}
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &instance.StepResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
		}
	}

	return &instance, nil
}

func marshalInstance(instance *Instance) ([]byte, []byte, error) {
	stateJSON, err := json.Marshal(instance.State)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal saga state: %w", err)
	}
	stepsJSON, err := json.Marshal(instance.StepResults)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal step results: %w", err)
	}
	return stateJSON, stepsJSON, nil
}

func nullableError(msg string) *string {
	if msg == "" {
		return nil
	}
	return &msg
}

var _ Store = (*PostgresStore)(nil)

package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// Writer appends events to the outbox inside the caller's transaction,
// so the event commits or rolls back with the state change it describes
type Writer struct {
	repo  repository.OutboxRepository
	clock clock.Clock
}

// NewWriter creates an outbox writer
func NewWriter(repo repository.OutboxRepository, clk clock.Clock) *Writer {
	if clk == nil {
		clk = clock.System()
	}
	return &Writer{repo: repo, clock: clk}
}

// Append stamps defaults on the event and persists it within tx
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, evt *domain.OutboxEvent) error {
	ctx, span := telemetry.Start(ctx, "outbox.append")
	defer span.End()

	if evt.EventType == "" {
		span.SetStatus(codes.Error, "missing event type")
		return fmt.Errorf("outbox event has no event type")
	}

	now := w.clock.Now()
	if evt.ID == "" {
		evt.ID = clock.NewID()
	}
	if evt.Status == "" {
		evt.Status = domain.OutboxStatusPending
	}
	if evt.NextAttemptAt.IsZero() {
		evt.NextAttemptAt = now
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = now
	}

	span.SetAttributes(
		attribute.String("event_id", evt.ID),
		attribute.String("event_type", evt.EventType),
	)

	if err := w.repo.CreateTx(ctx, tx, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

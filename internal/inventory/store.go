// Package inventory owns timeslot capacity bookkeeping. Every mutation runs
// under row locks taken in canonical order with an integer version fence,
// and transient database failures are retried with exponential backoff.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/database"
	"github.com/wer-inc/ripipi/pkg/logger"
	"github.com/wer-inc/ripipi/pkg/retry"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// TxRunner runs a function inside a database transaction
type TxRunner interface {
	WithTx(ctx context.Context, opts pgx.TxOptions, fn database.TxFunc) error
}

// Config tunes the store's conflict retry loop
type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	CleanupBatch  int
}

// DefaultConfig returns the store defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BackoffBase:  100 * time.Millisecond,
		BackoffMax:   2 * time.Second,
		CleanupBatch: 1000,
	}
}

// Store coordinates capacity mutations over the timeslot repository
type Store struct {
	slots repository.TimeslotRepository
	tx    TxRunner
	clock clock.Clock
	cfg   Config
	log   *logger.Logger
}

// NewStore creates a Store
func NewStore(slots repository.TimeslotRepository, tx TxRunner, clk clock.Clock, cfg Config) *Store {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Store{
		slots: slots,
		tx:    tx,
		clock: clk,
		cfg:   cfg,
		log:   logger.Get().Named("inventory"),
	}
}

// Outcome reports the result of one slot mutation
type Outcome struct {
	TimeslotID string `json:"timeslotId"`
	ResourceID string `json:"resourceId"`
	// NewVersion is the slot version after the mutation
	NewVersion int64 `json:"newVersion"`
	Remaining  int   `json:"remaining"`
}

// AvailableSlots returns open capacity for the resources in [from, to)
func (s *Store) AvailableSlots(ctx context.Context, tenantID string, resourceIDs []string, from, to time.Time) ([]domain.AvailabilityWindow, error) {
	ctx, span := telemetry.Start(ctx, "inventory.available_slots")
	defer span.End()
	span.SetAttributes(attribute.Int("resources", len(resourceIDs)))

	return s.slots.ListAvailability(ctx, tenantID, resourceIDs, from, to)
}

// CheckBatch answers a batch of capacity questions with a single query and
// no locks. Answers are advisory; Reserve re-checks under row locks.
func (s *Store) CheckBatch(ctx context.Context, tenantID string, queries []domain.CapacityQuery) ([]domain.CapacityCheck, error) {
	ctx, span := telemetry.Start(ctx, "inventory.check_batch")
	defer span.End()
	span.SetAttributes(attribute.Int("queries", len(queries)))

	return s.slots.CheckCapacity(ctx, tenantID, queries)
}

// VersionStamp returns a (max version, row count) pair for the window,
// suitable as a cache validator
func (s *Store) VersionStamp(ctx context.Context, tenantID string, resourceIDs []string, from, to time.Time) (int64, int, error) {
	return s.slots.MaxVersionStamp(ctx, tenantID, resourceIDs, from, to)
}

// Reserve books quantity units on each referenced slot inside tx. The slots
// are locked in canonical order, bounds are checked against effective
// capacity, and each ref's expected version (when set) must match. Returns
// one Outcome per ref in the caller's original order.
//
// Reserve composes into a larger transaction; the caller owns commit.
func (s *Store) Reserve(ctx context.Context, tx pgx.Tx, tenantID string, refs []domain.SlotRef) ([]Outcome, error) {
	ctx, span := telemetry.Start(ctx, "inventory.reserve")
	defer span.End()
	span.SetAttributes(attribute.Int("slots", len(refs)))

	for _, ref := range refs {
		if ref.Quantity <= 0 {
			return nil, domain.ErrInvalidQuantity
		}
	}

	locked, err := s.slots.GetForUpdate(ctx, tx, tenantID, refs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Timeslot, len(locked))
	for _, slot := range locked {
		byID[slot.ID] = slot
	}

	outcomes := make([]Outcome, 0, len(refs))
	for _, ref := range refs {
		slot := byID[ref.TimeslotID]
		if ref.ExpectedVersion != 0 && slot.Version != ref.ExpectedVersion {
			return nil, fmt.Errorf("timeslot %s: %w", slot.ID, domain.ErrVersionMismatch)
		}
		if slot.BookedCapacity+ref.Quantity > slot.EffectiveCapacity() {
			return nil, fmt.Errorf("timeslot %s: %w", slot.ID, domain.ErrCapacityExceeded)
		}
		if err := s.slots.ApplyDelta(ctx, tx, tenantID, slot.ID, ref.Quantity, slot.Version); err != nil {
			return nil, err
		}
		slot.BookedCapacity += ref.Quantity
		slot.Version++
		outcomes = append(outcomes, Outcome{
			TimeslotID: slot.ID,
			ResourceID: slot.ResourceID,
			NewVersion: slot.Version,
			Remaining:  slot.Remaining(),
		})
	}
	return outcomes, nil
}

// Release returns quantity units on each referenced slot inside tx. Booked
// capacity never goes below zero; an over-release reports
// ErrCapacityUnderflow and aborts the transaction.
func (s *Store) Release(ctx context.Context, tx pgx.Tx, tenantID string, refs []domain.SlotRef) ([]Outcome, error) {
	ctx, span := telemetry.Start(ctx, "inventory.release")
	defer span.End()
	span.SetAttributes(attribute.Int("slots", len(refs)))

	for _, ref := range refs {
		if ref.Quantity <= 0 {
			return nil, domain.ErrInvalidQuantity
		}
	}

	locked, err := s.slots.GetForUpdate(ctx, tx, tenantID, refs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Timeslot, len(locked))
	for _, slot := range locked {
		byID[slot.ID] = slot
	}

	outcomes := make([]Outcome, 0, len(refs))
	for _, ref := range refs {
		slot := byID[ref.TimeslotID]
		if slot.BookedCapacity < ref.Quantity {
			return nil, fmt.Errorf("timeslot %s: %w", slot.ID, domain.ErrCapacityUnderflow)
		}
		if err := s.slots.ApplyDelta(ctx, tx, tenantID, slot.ID, -ref.Quantity, slot.Version); err != nil {
			return nil, err
		}
		slot.BookedCapacity -= ref.Quantity
		slot.Version++
		outcomes = append(outcomes, Outcome{
			TimeslotID: slot.ID,
			ResourceID: slot.ResourceID,
			NewVersion: slot.Version,
			Remaining:  slot.Remaining(),
		})
	}
	return outcomes, nil
}

// SetCapacity adjusts a slot's total capacity. Shrinking below the booked
// count is rejected so existing reservations stay covered.
func (s *Store) SetCapacity(ctx context.Context, tenantID, timeslotID string, total int) (*Outcome, error) {
	ctx, span := telemetry.Start(ctx, "inventory.set_capacity")
	defer span.End()

	if total < 0 {
		return nil, domain.ErrInvalidQuantity
	}

	var out *Outcome
	err := s.withConflictRetry(ctx, "set_capacity", func(ctx context.Context, tx pgx.Tx) error {
		locked, err := s.slots.GetForUpdate(ctx, tx, tenantID, []domain.SlotRef{{TimeslotID: timeslotID}})
		if err != nil {
			return err
		}
		slot := locked[0]
		if total < slot.BookedCapacity {
			return fmt.Errorf("timeslot %s: total %d below booked %d: %w",
				slot.ID, total, slot.BookedCapacity, domain.ErrCapacityExceeded)
		}
		if err := s.slots.SetCapacity(ctx, tx, tenantID, slot.ID, total, slot.Version); err != nil {
			return err
		}
		slot.TotalCapacity = total
		slot.Version++
		out = &Outcome{
			TimeslotID: slot.ID,
			ResourceID: slot.ResourceID,
			NewVersion: slot.Version,
			Remaining:  slot.Remaining(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BulkMutate applies a mixed batch of reservations and releases in one
// transaction. Reserves carry positive quantities and releases negative
// ones; all locks are taken in canonical order up front, so the batch
// commits or fails atomically.
func (s *Store) BulkMutate(ctx context.Context, tenantID string, reserves, releases []domain.SlotRef) ([]Outcome, error) {
	ctx, span := telemetry.Start(ctx, "inventory.bulk_mutate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("reserves", len(reserves)),
		attribute.Int("releases", len(releases)),
	)

	var outcomes []Outcome
	err := s.withConflictRetry(ctx, "bulk_mutate", func(ctx context.Context, tx pgx.Tx) error {
		outcomes = outcomes[:0]
		reserved, err := s.Reserve(ctx, tx, tenantID, reserves)
		if err != nil {
			return err
		}
		released, err := s.Release(ctx, tx, tenantID, releases)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, reserved...)
		outcomes = append(outcomes, released...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// withConflictRetry wraps a transaction in the transient-failure retry loop:
// up to MaxAttempts tries with exponential backoff, retrying only on
// serialization failures, deadlocks, and dropped connections.
func (s *Store) withConflictRetry(ctx context.Context, op string, fn database.TxFunc) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		err := s.tx.WithTx(ctx, pgx.TxOptions{}, fn)
		if err == nil {
			return nil
		}
		if !database.IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == s.cfg.MaxAttempts {
			break
		}
		backoff := retry.Backoff(s.cfg.BackoffBase, s.cfg.BackoffMax, attempt)
		s.log.WarnContext(ctx, "retrying after transient conflict",
			"op", op, "attempt", attempt, "backoff", backoff.String())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

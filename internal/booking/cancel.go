package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/database"
	"github.com/wer-inc/ripipi/pkg/retry"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// CancelRequest asks to cancel one booking
type CancelRequest struct {
	TenantID  string
	BookingID string
	Reason    domain.CancellationReason
	Actor     string
}

// CancelResult reports the cancellation and its refund/penalty split
type CancelResult struct {
	Booking *domain.Booking            `json:"booking"`
	Outcome domain.CancellationOutcome `json:"outcome"`
}

// Cancel evaluates the tenant's cancellation policy and, when allowed,
// releases the booking's capacity, transitions it to cancelled and appends
// the outbox events, all in one transaction. A refund due on a paid booking
// adds a refund-requested event in the same commit.
func (c *Coordinator) Cancel(ctx context.Context, req *CancelRequest) (*CancelResult, error) {
	ctx, span := telemetry.Start(ctx, "booking.cancel")
	defer span.End()
	span.SetAttributes(
		attribute.String("booking_id", req.BookingID),
		attribute.String("reason", string(req.Reason)),
	)

	tenantPolicy, err := c.refs.GetTenantPolicy(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	var outcome domain.CancellationOutcome
	err = c.withRetry(ctx, "cancel", func(ctx context.Context, tx pgx.Tx) error {
		b, err := c.bookings.GetForUpdate(ctx, tx, req.TenantID, req.BookingID)
		if err != nil {
			return err
		}

		outcome = c.validator.EvaluateCancellation(b, tenantPolicy, req.Reason)
		if !outcome.Allowed {
			return fmt.Errorf("%s: %w", outcome.DenialReason, domain.ErrCancellationDenied)
		}

		now := c.clock.Now()
		if _, err := c.inv.Release(ctx, tx, req.TenantID, releaseRefs(b)); err != nil {
			return err
		}
		if err := c.bookings.UpdateStatus(ctx, tx, req.TenantID, b.ID, b.Status, domain.BookingStatusCancelled, now); err != nil {
			return err
		}
		if err := c.appendTransition(ctx, tx, b, domain.BookingStatusCancelled, string(req.Reason), req.Actor, now); err != nil {
			return err
		}

		cancelled := *b
		cancelled.Status = domain.BookingStatusCancelled
		evt, err := domain.NewBookingEvent(clock.NewID(), domain.EventBookingCancelled, &cancelled, string(req.Reason), releaseRefs(b), now)
		if err != nil {
			return err
		}
		if err := c.outbox.Append(ctx, tx, evt); err != nil {
			return err
		}

		if outcome.RefundMinor > 0 && b.PaymentID != "" {
			refundEvt, err := domain.NewPaymentEvent(clock.NewID(), domain.EventPaymentRefundRequested, domain.PaymentEventPayload{
				PaymentID:   b.PaymentID,
				BookingID:   b.ID,
				TenantID:    b.TenantID,
				AmountMinor: outcome.RefundMinor,
				Currency:    b.Currency,
			}, now)
			if err != nil {
				return err
			}
			if err := c.outbox.Append(ctx, tx, refundEvt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrCancellationDenied) {
			return &CancelResult{Outcome: outcome}, err
		}
		return nil, err
	}

	b, err := c.bookings.GetByID(ctx, req.TenantID, req.BookingID)
	if err != nil {
		return nil, err
	}
	return &CancelResult{Booking: b, Outcome: outcome}, nil
}

// ConfirmPayment finishes a payment-gated booking once the provider reports
// capture. Confirming an already confirmed booking is a no-op so provider
// retries stay harmless.
func (c *Coordinator) ConfirmPayment(ctx context.Context, tenantID, bookingID, paymentID string) error {
	ctx, span := telemetry.Start(ctx, "booking.confirm_payment")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	return c.withRetry(ctx, "confirm_payment", func(ctx context.Context, tx pgx.Tx) error {
		b, err := c.bookings.GetForUpdate(ctx, tx, tenantID, bookingID)
		if err != nil {
			return err
		}
		switch b.Status {
		case domain.BookingStatusConfirmed:
			return nil
		case domain.BookingStatusTentative:
		default:
			// the hold expired and the cleanup task already released it;
			// the refund flow picks the charge up from here
			return domain.ErrBookingExpired
		}

		now := c.clock.Now()
		if err := c.bookings.UpdateStatus(ctx, tx, tenantID, b.ID, domain.BookingStatusTentative, domain.BookingStatusConfirmed, now); err != nil {
			return err
		}
		if b.PaymentID == "" && paymentID != "" {
			if err := c.bookings.SetPayment(ctx, tx, tenantID, b.ID, paymentID); err != nil {
				return err
			}
			b.PaymentID = paymentID
		}
		if err := c.appendTransition(ctx, tx, b, domain.BookingStatusConfirmed, "payment captured", "system", now); err != nil {
			return err
		}

		confirmed := *b
		confirmed.Status = domain.BookingStatusConfirmed
		confirmed.ExpiresAt = nil
		evt, err := domain.NewBookingEvent(clock.NewID(), domain.EventBookingConfirmed, &confirmed, "", releaseRefs(b), now)
		if err != nil {
			return err
		}
		if err := c.outbox.Append(ctx, tx, evt); err != nil {
			return err
		}

		captured, err := domain.NewPaymentEvent(clock.NewID(), domain.EventPaymentCaptured, domain.PaymentEventPayload{
			PaymentID:   b.PaymentID,
			BookingID:   b.ID,
			TenantID:    b.TenantID,
			AmountMinor: b.TotalMinor,
			Currency:    b.Currency,
		}, now)
		if err != nil {
			return err
		}
		return c.outbox.Append(ctx, tx, captured)
	})
}

// FailPayment cancels a tentative booking whose charge the provider
// declined, releasing its capacity. Non-tentative bookings are left alone.
func (c *Coordinator) FailPayment(ctx context.Context, tenantID, bookingID, failureCode string) error {
	ctx, span := telemetry.Start(ctx, "booking.fail_payment")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	return c.withRetry(ctx, "fail_payment", func(ctx context.Context, tx pgx.Tx) error {
		b, err := c.bookings.GetForUpdate(ctx, tx, tenantID, bookingID)
		if err != nil {
			return err
		}
		if b.Status != domain.BookingStatusTentative {
			return nil
		}

		now := c.clock.Now()
		if err := c.releaseAndCancel(ctx, tx, b, domain.CancelReasonPaymentFailed, now); err != nil {
			return err
		}

		failed, err := domain.NewPaymentEvent(clock.NewID(), domain.EventPaymentFailed, domain.PaymentEventPayload{
			PaymentID:   b.PaymentID,
			BookingID:   b.ID,
			TenantID:    b.TenantID,
			AmountMinor: b.TotalMinor,
			Currency:    b.Currency,
			FailureCode: failureCode,
		}, now)
		if err != nil {
			return err
		}
		return c.outbox.Append(ctx, tx, failed)
	})
}

// RefundApplied records a refund issued on the provider side, typically
// from its dashboard. An active booking is cancelled and its capacity
// released; a booking we already cancelled ourselves needs nothing more.
func (c *Coordinator) RefundApplied(ctx context.Context, tenantID, bookingID string, amountMinor int64) error {
	ctx, span := telemetry.Start(ctx, "booking.refund_applied")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	return c.withRetry(ctx, "refund_applied", func(ctx context.Context, tx pgx.Tx) error {
		b, err := c.bookings.GetForUpdate(ctx, tx, tenantID, bookingID)
		if err != nil {
			return err
		}
		if !b.Status.IsActive() {
			return nil
		}

		now := c.clock.Now()
		if err := c.releaseAndCancel(ctx, tx, b, domain.CancelReasonAdmin, now); err != nil {
			return err
		}

		cancelled := *b
		cancelled.Status = domain.BookingStatusCancelled
		evt, err := domain.NewBookingEvent(clock.NewID(), domain.EventBookingCancelled, &cancelled, string(domain.CancelReasonAdmin), releaseRefs(b), now)
		if err != nil {
			return err
		}
		return c.outbox.Append(ctx, tx, evt)
	})
}

// ExpireTentative releases one tentative booking whose hold window has
// passed. Reports whether the booking was expired; false means it was
// already confirmed, cancelled or still inside its window.
func (c *Coordinator) ExpireTentative(ctx context.Context, tenantID, bookingID string) (bool, error) {
	ctx, span := telemetry.Start(ctx, "booking.expire_tentative")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	var paymentID string
	expired := false
	err := c.withRetry(ctx, "expire_tentative", func(ctx context.Context, tx pgx.Tx) error {
		b, err := c.bookings.GetForUpdate(ctx, tx, tenantID, bookingID)
		if err != nil {
			return err
		}
		if !b.IsExpired(c.clock.Now()) {
			return nil
		}

		now := c.clock.Now()
		if err := c.releaseAndCancel(ctx, tx, b, domain.CancelReasonPaymentFailed, now); err != nil {
			return err
		}

		cancelled := *b
		cancelled.Status = domain.BookingStatusCancelled
		evt, err := domain.NewBookingEvent(clock.NewID(), domain.EventBookingExpired, &cancelled, string(domain.CancelReasonPaymentFailed), releaseRefs(b), now)
		if err != nil {
			return err
		}
		if err := c.outbox.Append(ctx, tx, evt); err != nil {
			return err
		}
		paymentID = b.PaymentID
		expired = true
		return nil
	})
	if err != nil || !expired {
		return false, err
	}

	// the authorization hold is released best-effort; an uncancelled intent
	// simply ages out at the provider
	if paymentID != "" && c.payments != nil {
		if err := c.payments.CancelIntent(ctx, paymentID); err != nil {
			c.log.WarnContext(ctx, "failed to cancel payment intent for expired booking",
				"booking_id", bookingID, "payment_id", paymentID, "error", err)
		}
	}
	return true, nil
}

// releaseAndCancel returns the booking's capacity and transitions it to
// cancelled inside the caller's transaction
func (c *Coordinator) releaseAndCancel(ctx context.Context, tx pgx.Tx, b *domain.Booking, reason domain.CancellationReason, now time.Time) error {
	if _, err := c.inv.Release(ctx, tx, b.TenantID, releaseRefs(b)); err != nil {
		return err
	}
	if err := c.bookings.UpdateStatus(ctx, tx, b.TenantID, b.ID, b.Status, domain.BookingStatusCancelled, now); err != nil {
		return err
	}
	return c.appendTransition(ctx, tx, b, domain.BookingStatusCancelled, string(reason), "system", now)
}

func (c *Coordinator) appendTransition(ctx context.Context, tx pgx.Tx, b *domain.Booking, to domain.BookingStatus, reason, actor string, now time.Time) error {
	return c.bookings.AppendChange(ctx, tx, &domain.BookingChange{
		ID:        clock.NewID(),
		BookingID: b.ID,
		TenantID:  b.TenantID,
		OldStatus: b.Status,
		NewStatus: to,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: now,
	})
}

// releaseRefs rebuilds the slot footprint from the booking's items, in
// canonical lock order. Releases carry no version fence; the row lock alone
// guards the decrement.
func releaseRefs(b *domain.Booking) []domain.SlotRef {
	refs := make([]domain.SlotRef, len(b.Items))
	for i, item := range b.Items {
		refs[i] = domain.SlotRef{
			ResourceID: item.ResourceID,
			TimeslotID: item.TimeslotID,
			Quantity:   item.ReservedCapacity,
		}
	}
	domain.SortSlotRefs(refs)
	return refs
}

// withRetry wraps a transaction in the transient-failure retry loop shared
// by every non-create mutation
func (c *Coordinator) withRetry(ctx context.Context, op string, fn database.TxFunc) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err := c.tx.WithTx(ctx, pgx.TxOptions{}, fn)
		if err == nil {
			return nil
		}
		if !database.IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}
		backoff := retry.Backoff(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt)
		c.log.WarnContext(ctx, "retrying after transient conflict",
			"op", op, "attempt", attempt, "backoff", backoff.String())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

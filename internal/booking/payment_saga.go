package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/payment"
	"github.com/wer-inc/ripipi/internal/saga"
)

// PaymentHoldSaga is the definition name for payment-gated booking creation
const PaymentHoldSaga = "booking.payment_hold"

// paymentHoldDefinition builds the two-step saga behind payment-gated
// bookings: hold capacity as a tentative booking, then open a payment
// intent. An intent failure releases the hold; the capture webhook, not the
// saga, performs the final confirmation.
func (c *Coordinator) paymentHoldDefinition() *saga.Definition {
	def := saga.NewDefinition(PaymentHoldSaga).WithTimeout(2 * time.Minute)
	def.AddStep(&saga.Step{
		Name:       "hold_capacity",
		Run:        c.holdCapacityStep,
		Compensate: c.releaseHoldStep,
	})
	def.AddStep(&saga.Step{
		Name:       "payment_intent",
		Run:        c.paymentIntentStep,
		Compensate: c.cancelIntentStep,
		MaxRetries: 2,
	})
	return def
}

// confirmWithPayment creates the booking through the payment-hold saga and
// shapes the saga outcome back into a ConfirmResult
func (c *Coordinator) confirmWithPayment(ctx context.Context, req *ConfirmRequest, tenantPolicy *domain.TenantPolicy, plan []domain.SlotRef) (*ConfirmResult, error) {
	ttl := c.cfg.TentativeTTL
	if tenantPolicy.TentativeTTLMinutes > 0 {
		ttl = time.Duration(tenantPolicy.TentativeTTLMinutes) * time.Minute
	}

	instance, err := c.sagas.Execute(ctx, req.TenantID, PaymentHoldSaga, saga.State{
		"request":    req,
		"plan":       plan,
		"ttlMinutes": int(ttl / time.Minute),
	})
	if err != nil {
		return nil, err
	}

	state := instance.Snapshot()
	bookingID, _ := stateString(state, "bookingId")
	b, err := c.bookings.GetByID(ctx, req.TenantID, bookingID)
	if err != nil {
		return nil, err
	}
	secret, _ := stateString(state, "clientSecret")
	return &ConfirmResult{Booking: b, ClientSecret: secret}, nil
}

// holdCapacityStep creates the tentative booking, holding its capacity
// until the payment resolves or the hold expires
func (c *Coordinator) holdCapacityStep(ctx context.Context, state saga.State) (saga.State, error) {
	req, plan, ttl, err := decodeHoldState(state)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	expiresAt := now.Add(ttl)
	b := c.newBooking(req, domain.BookingStatusTentative, &expiresAt)
	// no outbox event yet: booking.confirmed follows the capture webhook
	if err := c.createBooking(ctx, b, plan, "", req.Actor); err != nil {
		return nil, err
	}
	return saga.State{
		"bookingId": b.ID,
		"expiresAt": expiresAt.Format(time.RFC3339Nano),
	}, nil
}

// releaseHoldStep undoes hold_capacity when a later step fails
func (c *Coordinator) releaseHoldStep(ctx context.Context, state saga.State) error {
	req, _, _, err := decodeHoldState(state)
	if err != nil {
		return err
	}
	bookingID, ok := stateString(state, "bookingId")
	if !ok {
		return fmt.Errorf("saga state missing bookingId")
	}
	return c.FailPayment(ctx, req.TenantID, bookingID, "intent_creation_failed")
}

// paymentIntentStep opens the provider intent and pins its id on the booking
func (c *Coordinator) paymentIntentStep(ctx context.Context, state saga.State) (saga.State, error) {
	req, _, _, err := decodeHoldState(state)
	if err != nil {
		return nil, err
	}
	bookingID, ok := stateString(state, "bookingId")
	if !ok {
		return nil, fmt.Errorf("saga state missing bookingId")
	}

	intent, err := c.payments.CreateIntent(ctx, &payment.IntentRequest{
		TenantID:    req.TenantID,
		BookingID:   bookingID,
		AmountMinor: req.TotalMinor,
		Currency:    req.Currency,
		Description: fmt.Sprintf("booking %s", bookingID),
		Metadata: map[string]string{
			"tenant_id":  req.TenantID,
			"booking_id": bookingID,
		},
	})
	if err != nil {
		return nil, err
	}

	err = c.withRetry(ctx, "set_payment", func(ctx context.Context, tx pgx.Tx) error {
		return c.bookings.SetPayment(ctx, tx, req.TenantID, bookingID, intent.ID)
	})
	if err != nil {
		return nil, err
	}

	return saga.State{
		"paymentIntentId": intent.ID,
		"clientSecret":    intent.ClientSecret,
	}, nil
}

// cancelIntentStep voids the provider intent during rollback
func (c *Coordinator) cancelIntentStep(ctx context.Context, state saga.State) error {
	intentID, ok := stateString(state, "paymentIntentId")
	if !ok {
		return nil
	}
	return c.payments.CancelIntent(ctx, intentID)
}

// decodeHoldState recovers the typed request from saga state. In-process
// the values keep their Go types; after a store round trip they come back
// as raw JSON shapes, so decode goes through a marshal cycle when needed.
func decodeHoldState(state saga.State) (*ConfirmRequest, []domain.SlotRef, time.Duration, error) {
	req, err := stateValue[ConfirmRequest](state, "request")
	if err != nil {
		return nil, nil, 0, err
	}
	planPtr, err := stateValue[[]domain.SlotRef](state, "plan")
	if err != nil {
		return nil, nil, 0, err
	}
	ttlMinutes := 0
	switch v := state["ttlMinutes"].(type) {
	case int:
		ttlMinutes = v
	case float64:
		ttlMinutes = int(v)
	}
	if ttlMinutes <= 0 {
		ttlMinutes = 15
	}
	return req, *planPtr, time.Duration(ttlMinutes) * time.Minute, nil
}

// stateValue pulls a typed value out of saga state, tolerating both live Go
// values and JSON-round-tripped ones
func stateValue[T any](state saga.State, key string) (*T, error) {
	raw, ok := state[key]
	if !ok {
		return nil, fmt.Errorf("saga state missing %s", key)
	}
	if typed, ok := raw.(*T); ok {
		return typed, nil
	}
	if typed, ok := raw.(T); ok {
		return &typed, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode saga state %s: %w", key, err)
	}
	out := new(T)
	if err := json.Unmarshal(buf, out); err != nil {
		return nil, fmt.Errorf("failed to decode saga state %s: %w", key, err)
	}
	return out, nil
}

func stateString(state saga.State, key string) (string, bool) {
	s, ok := state[key].(string)
	return s, ok
}

package booking

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/idempotency"
	"github.com/wer-inc/ripipi/internal/inventory"
	"github.com/wer-inc/ripipi/internal/outbox"
	"github.com/wer-inc/ripipi/internal/payment"
	"github.com/wer-inc/ripipi/internal/policy"
	"github.com/wer-inc/ripipi/internal/repository/memory"
	"github.com/wer-inc/ripipi/internal/saga"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/database"
)

var testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

var (
	slotStart = testNow.Add(48 * time.Hour)
	slotEnd   = slotStart.Add(30 * time.Minute)
)

type nopTxRunner struct{}

func (nopTxRunner) WithTx(ctx context.Context, _ pgx.TxOptions, fn database.TxFunc) error {
	return fn(ctx, nil)
}

type fixture struct {
	coord    *Coordinator
	refs     *memory.ReferenceRepository
	bookings *memory.BookingRepository
	slots    *memory.TimeslotRepository
	idemRepo *memory.IdempotencyRepository
	events   *memory.OutboxRepository
	gateway  *payment.MockGateway
	clk      *clock.FrozenClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	refs := memory.NewReferenceRepository()
	bookings := memory.NewBookingRepository()
	slots := memory.NewTimeslotRepository()
	idemRepo := memory.NewIdempotencyRepository()
	events := memory.NewOutboxRepository()
	gateway := payment.NewMockGateway()
	clk := clock.NewFrozen(testNow)

	refs.Policies["t1"] = &domain.TenantPolicy{
		TenantID:            "t1",
		CancelWindowHours:   24,
		RefundPolicy:        domain.RefundPolicyFull,
		TentativeTTLMinutes: 30,
		Timezone:            "UTC",
	}
	refs.Services["t1/svc-1"] = &domain.Service{
		ID: "svc-1", TenantID: "t1", Name: "Cut", DurationMinutes: 30, Active: true,
	}
	refs.Resources["t1/res-1"] = &domain.Resource{
		ID: "res-1", TenantID: "t1", Name: "Chair A", Active: true, Timezone: "UTC",
	}
	refs.Customers["t1/cust-1"] = &domain.Customer{
		ID: "cust-1", TenantID: "t1", Name: "Aiko",
	}
	slots.Put(&domain.Timeslot{
		ID: "ts-1", TenantID: "t1", ResourceID: "res-1",
		StartAt: slotStart, EndAt: slotEnd,
		TotalCapacity: 2, Version: 1,
	})
	slots.Put(&domain.Timeslot{
		ID: "ts-2", TenantID: "t1", ResourceID: "res-1",
		StartAt: slotEnd, EndAt: slotEnd.Add(30 * time.Minute),
		TotalCapacity: 2, Version: 1,
	})

	inv := inventory.NewStore(slots, nopTxRunner{}, clk, inventory.DefaultConfig())
	validator := policy.NewValidator(refs, bookings, slots, clk)
	idem := idempotency.NewStore(idemRepo, nil, clk, idempotency.DefaultConfig())
	sagas := saga.NewOrchestrator(saga.NewMemoryStore(), clk)

	coord, err := NewCoordinator(Deps{
		Bookings:  bookings,
		Slots:     slots,
		Refs:      refs,
		Inventory: inv,
		Validator: validator,
		Idem:      idem,
		Outbox:    outbox.NewWriter(events, clk),
		Payments:  gateway,
		Sagas:     sagas,
		Tx:        nopTxRunner{},
		Clock:     clk,
	}, DefaultConfig())
	require.NoError(t, err)

	return &fixture{
		coord:    coord,
		refs:     refs,
		bookings: bookings,
		slots:    slots,
		idemRepo: idemRepo,
		events:   events,
		gateway:  gateway,
		clk:      clk,
	}
}

func confirmRequest(key string) *ConfirmRequest {
	return &ConfirmRequest{
		TenantID:   "t1",
		CustomerID: "cust-1",
		ServiceID:  "svc-1",
		ResourceID: "res-1",
		StartAt:    slotStart,
		EndAt:      slotEnd,
		Slots: []domain.SlotRef{
			{ResourceID: "res-1", TimeslotID: "ts-1", Quantity: 1, ExpectedVersion: 1},
		},
		TotalMinor:     5000,
		Currency:       "JPY",
		IdempotencyKey: key,
		Actor:          "admin",
	}
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, evt := range f.events.All() {
		types = append(types, evt.EventType)
	}
	return types
}

func TestConfirmHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Confirm(ctx, confirmRequest("key-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Booking)
	assert.False(t, res.Replayed)
	assert.Equal(t, domain.BookingStatusConfirmed, res.Booking.Status)
	require.Len(t, res.Booking.Items, 1)
	assert.Equal(t, int64(2), res.Booking.Items[0].SlotVersion)

	slot, err := f.slots.GetByID(ctx, "t1", "ts-1")
	require.NoError(t, err)
	assert.Equal(t, 1, slot.BookedCapacity)
	assert.Equal(t, int64(2), slot.Version)

	assert.Equal(t, []string{domain.EventBookingConfirmed}, f.eventTypes(t))
	evt := f.events.All()[0]
	assert.Equal(t, res.Booking.ID, evt.AggregateID)

	changes, err := f.bookings.ListChanges(ctx, "t1", res.Booking.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, domain.BookingStatusConfirmed, changes[0].NewStatus)

	rec, err := f.idemRepo.Get(ctx, "t1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.IdempotencyStatusCompleted, rec.Status)
}

func TestConfirmReplaysCompletedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.coord.Confirm(ctx, confirmRequest("key-1"))
	require.NoError(t, err)

	second, err := f.coord.Confirm(ctx, confirmRequest("key-1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Booking.ID, second.Booking.ID)

	// replay must not touch capacity
	slot, err := f.slots.GetByID(ctx, "t1", "ts-1")
	require.NoError(t, err)
	assert.Equal(t, 1, slot.BookedCapacity)
}

func TestConfirmRejectsReusedKeyWithDifferentBody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Confirm(ctx, confirmRequest("key-1"))
	require.NoError(t, err)

	req := confirmRequest("key-1")
	req.TotalMinor = 9999
	_, err = f.coord.Confirm(ctx, req)
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
}

func TestConfirmPolicyRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := confirmRequest("key-1")
	req.StartAt = testNow.Add(-time.Hour)
	req.EndAt = req.StartAt.Add(30 * time.Minute)
	res, err := f.coord.Confirm(ctx, req)
	require.ErrorIs(t, err, domain.ErrPolicyRejected)
	require.NotNil(t, res)
	require.NotNil(t, res.Validation)
	assert.False(t, res.Validation.OK())

	// nothing was reserved and no event was written
	slot, err := f.slots.GetByID(ctx, "t1", "ts-1")
	require.NoError(t, err)
	assert.Equal(t, 0, slot.BookedCapacity)
	assert.Empty(t, f.events.All())
}

func TestConfirmCapacityExceededSuggestsAlternatives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := confirmRequest("key-1")
	req.Slots[0].Quantity = 3
	res, err := f.coord.Confirm(ctx, req)
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)
	require.NotNil(t, res)
	require.NotEmpty(t, res.Suggestions)
	assert.Equal(t, "ts-1", res.Suggestions[0].TimeslotID)

	slot, err := f.slots.GetByID(ctx, "t1", "ts-1")
	require.NoError(t, err)
	assert.Equal(t, 0, slot.BookedCapacity)
}

func TestConfirmRefreshesStaleVersionFence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// another writer already bumped the slot twice
	slot, err := f.slots.GetByID(ctx, "t1", "ts-1")
	require.NoError(t, err)
	slot.Version = 3
	f.slots.Put(slot)

	res, err := f.coord.Confirm(ctx, confirmRequest("key-1"))
	require.NoError(t, err)
	require.Len(t, res.Booking.Items, 1)
	assert.Equal(t, int64(4), res.Booking.Items[0].SlotVersion)
}

func TestCancelReleasesCapacityAndEmitsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	confirmed, err := f.coord.Confirm(ctx, confirmRequest("key-1"))
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	res, err := f.coord.Cancel(ctx, &CancelRequest{
		TenantID:  "t1",
		BookingID: confirmed.Booking.ID,
		Reason:    domain.CancelReasonCustomerRequest,
		Actor:     "cust-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusCancelled, res.Booking.Status)
	assert.True(t, res.Outcome.Allowed)
	assert.Equal(t, int64(5000), res.Outcome.RefundMinor)

	slot, err := f.slots.GetByID(ctx, "t1", "ts-1")
	require.NoError(t, err)
	assert.Equal(t, 0, slot.BookedCapacity)

	// unpaid booking: refund event must not appear
	assert.Equal(t, []string{domain.EventBookingConfirmed, domain.EventBookingCancelled}, f.eventTypes(t))
}

func TestCancelDeniedOnTerminalBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	confirmed, err := f.coord.Confirm(ctx, confirmRequest("key-1"))
	require.NoError(t, err)

	cancel := &CancelRequest{
		TenantID:  "t1",
		BookingID: confirmed.Booking.ID,
		Reason:    domain.CancelReasonCustomerRequest,
	}
	_, err = f.coord.Cancel(ctx, cancel)
	require.NoError(t, err)

	res, err := f.coord.Cancel(ctx, cancel)
	require.ErrorIs(t, err, domain.ErrCancellationDenied)
	assert.Equal(t, policy.DenialTerminal, res.Outcome.DenialReason)
}

func TestConfirmWithPaymentHoldsTentative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.refs.Policies["t1"].RequirePayment = true

	res, err := f.coord.Confirm(ctx, confirmRequest("key-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Booking)
	assert.Equal(t, domain.BookingStatusTentative, res.Booking.Status)
	require.NotNil(t, res.Booking.ExpiresAt)
	assert.Equal(t, testNow.Add(30*time.Minute), res.Booking.ExpiresAt.UTC())
	assert.NotEmpty(t, res.ClientSecret)
	assert.NotEmpty(t, res.Booking.PaymentID)

	// capacity is held while the charge is pending, but no event goes out
	// until the provider confirms capture
	slot, err := f.slots.GetByID(ctx, "t1", "ts-1")
	require.NoError(t, err)
	assert.Equal(t, 1, slot.BookedCapacity)
	assert.Empty(t, f.events.All())
}

func TestConfirmWithPaymentDeclineCompensates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.refs.Policies["t1"].RequirePayment = true
	f.gateway.DeclineAmounts[5000] = "card_declined"

	_, err := f.coord.Confirm(ctx, confirmRequest("key-1"))
	require.Error(t, err)

	// the hold was rolled back and the failure recorded
	slot, err := f.slots.GetByID(ctx, "t1", "ts-1")
	require.NoError(t, err)
	assert.Equal(t, 0, slot.BookedCapacity)
	assert.Contains(t, f.eventTypes(t), domain.EventPaymentFailed)

	rec, err := f.idemRepo.Get(ctx, "t1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.IdempotencyStatusFailed, rec.Status)
}

func TestConfirmPaymentFinishesTentativeBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.refs.Policies["t1"].RequirePayment = true

	res, err := f.coord.Confirm(ctx, confirmRequest("key-1"))
	require.NoError(t, err)

	err = f.coord.ConfirmPayment(ctx, "t1", res.Booking.ID, res.Booking.PaymentID)
	require.NoError(t, err)

	b, err := f.coord.Get(ctx, "t1", res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusConfirmed, b.Status)
	assert.Nil(t, b.ExpiresAt)
	assert.ElementsMatch(t, []string{domain.EventBookingConfirmed, domain.EventPaymentCaptured}, f.eventTypes(t))

	// provider retries replay the webhook; confirming again is a no-op
	err = f.coord.ConfirmPayment(ctx, "t1", res.Booking.ID, res.Booking.PaymentID)
	require.NoError(t, err)
	assert.Len(t, f.events.All(), 2)
}

func TestExpireDueTentativeReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.refs.Policies["t1"].RequirePayment = true

	res, err := f.coord.Confirm(ctx, confirmRequest("key-1"))
	require.NoError(t, err)

	f.clk.Advance(31 * time.Minute)
	expired, err := f.coord.ExpireDueTentative(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	b, err := f.coord.Get(ctx, "t1", res.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusCancelled, b.Status)

	slot, err := f.slots.GetByID(ctx, "t1", "ts-1")
	require.NoError(t, err)
	assert.Equal(t, 0, slot.BookedCapacity)
	assert.Contains(t, f.eventTypes(t), domain.EventBookingExpired)

	intent, err := f.gateway.GetIntent(ctx, res.Booking.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, payment.IntentStatusCanceled, intent.Status)

	// a late capture webhook finds the hold gone
	err = f.coord.ConfirmPayment(ctx, "t1", res.Booking.ID, res.Booking.PaymentID)
	assert.ErrorIs(t, err, domain.ErrBookingExpired)
}

func TestReconcileStaleIdempotencyClosesOrphanedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a crash between commit and mark leaves the record processing while
	// the booking row is durable
	f.bookings.Put(&domain.Booking{
		ID:             "b-orphan",
		TenantID:       "t1",
		CustomerID:     "cust-1",
		Status:         domain.BookingStatusConfirmed,
		IdempotencyKey: "key-orphan",
		StartAt:        slotStart,
		EndAt:          slotEnd,
	})
	require.NoError(t, f.idemRepo.Insert(ctx, &domain.IdempotencyRecord{
		TenantID:    "t1",
		Key:         "key-orphan",
		Fingerprint: "fp",
		Status:      domain.IdempotencyStatusProcessing,
		CreatedAt:   testNow.Add(-time.Hour),
		UpdatedAt:   testNow.Add(-time.Hour),
		ExpiresAt:   testNow.Add(23 * time.Hour),
	}))

	closed, err := f.coord.ReconcileStaleIdempotency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	rec, err := f.idemRepo.Get(ctx, "t1", "key-orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusCompleted, rec.Status)
	assert.Contains(t, string(rec.ResponseBody), "b-orphan")
}

func TestReconcileSkipsFreshProcessingRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.idemRepo.Insert(ctx, &domain.IdempotencyRecord{
		TenantID:    "t1",
		Key:         "key-live",
		Fingerprint: "fp",
		Status:      domain.IdempotencyStatusProcessing,
		CreatedAt:   testNow,
		UpdatedAt:   testNow,
		ExpiresAt:   testNow.Add(24 * time.Hour),
	}))

	closed, err := f.coord.ReconcileStaleIdempotency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
}

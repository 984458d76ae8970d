package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository/memory"
	"github.com/wer-inc/ripipi/pkg/clock"
)

var testNow = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) // Monday noon

type fixture struct {
	validator *Validator
	refs      *memory.ReferenceRepository
	bookings  *memory.BookingRepository
	slots     *memory.TimeslotRepository
	clock     *clock.FrozenClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	refs := memory.NewReferenceRepository()
	bookings := memory.NewBookingRepository()
	slots := memory.NewTimeslotRepository()
	frozen := clock.NewFrozen(testNow)

	refs.Policies["t1"] = &domain.TenantPolicy{
		TenantID:             "t1",
		MinLeadTimeMinutes:   60,
		MaxAdvanceDays:       30,
		CancelWindowHours:    24,
		RefundPolicy:         domain.RefundPolicyPartial,
		PenaltyPercent:       50,
		GranularityMinutes:   15,
		MaxSlotsPerBooking:   4,
		MaxActivePerCustomer: 3,
		Timezone:             "UTC",
	}
	refs.Services["t1/svc-1"] = &domain.Service{
		ID: "svc-1", TenantID: "t1", Name: "Cut", DurationMinutes: 30,
		Active: true, AllowWeekends: true,
	}
	refs.Resources["t1/res-1"] = &domain.Resource{
		ID: "res-1", TenantID: "t1", Name: "Chair A", Active: true, Timezone: "UTC",
	}
	refs.Customers["t1/cust-1"] = &domain.Customer{
		ID: "cust-1", TenantID: "t1", Name: "Aiko",
	}
	// open every weekday 09:00-18:00
	for wd := time.Monday; wd <= time.Friday; wd++ {
		refs.Hours["t1"] = append(refs.Hours["t1"], &domain.BusinessHours{
			TenantID: "t1", Weekday: wd, OpenMinute: 9 * 60, CloseMinute: 18 * 60,
		})
	}
	// inventory covering the intervals the tests book
	for _, start := range []time.Time{
		time.Date(2026, 8, 31, 14, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
	} {
		slots.Put(&domain.Timeslot{
			ID: clock.NewID(), TenantID: "t1", ResourceID: "res-1",
			StartAt: start, EndAt: start.Add(30 * time.Minute),
			TotalCapacity: 2, Version: 1,
		})
	}

	return &fixture{
		validator: NewValidator(refs, bookings, slots, frozen),
		refs:      refs,
		bookings:  bookings,
		slots:     slots,
		clock:     frozen,
	}
}

func validRequest() Request {
	// Tuesday 10:00, one day ahead
	return Request{
		TenantID:   "t1",
		CustomerID: "cust-1",
		ServiceID:  "svc-1",
		ResourceID: "res-1",
		StartAt:    time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		EndAt:      time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC),
		SlotCount:  1,
	}
}

func TestValidateHappyPath(t *testing.T) {
	f := newFixture(t)
	result, err := f.validator.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Empty(t, result.Errors)
}

func TestValidateLeadTime(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.StartAt = testNow.Add(30 * time.Minute)
	req.EndAt = req.StartAt.Add(30 * time.Minute)

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.OK())
	assertHasCode(t, result, CodeLeadTimeTooShort)
}

func TestValidateMaxAdvance(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.StartAt = testNow.AddDate(0, 0, 31)
	req.EndAt = req.StartAt.Add(30 * time.Minute)

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasCode(t, result, CodeTooFarAhead)
}

func TestValidateMinimumDuration(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.EndAt = req.StartAt.Add(3 * time.Minute)

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasCode(t, result, CodeIntervalTooShort)
}

func TestValidateLongBookingWarns(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.StartAt = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	req.EndAt = time.Date(2026, 9, 1, 17, 30, 0, 0, time.UTC)

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasWarning(t, result, CodeLongBooking)
}

func TestValidateServiceDurationMismatchWarns(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.EndAt = req.StartAt.Add(time.Hour)

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasWarning(t, result, CodeDurationMismatch)

	// five minutes of slack is tolerated silently
	req.EndAt = req.StartAt.Add(35 * time.Minute)
	result, err = f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	for _, w := range result.Warnings {
		assert.NotEqual(t, CodeDurationMismatch, w.Code)
	}
}

func TestValidateServiceMinAdvance(t *testing.T) {
	f := newFixture(t)
	f.refs.Services["t1/svc-1"].MinAdvanceMinutes = 48 * 60

	result, err := f.validator.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	assertHasCode(t, result, CodeServiceMinAdvance)
}

func TestValidateWeekendService(t *testing.T) {
	f := newFixture(t)
	f.refs.Services["t1/svc-1"].AllowWeekends = false
	req := validRequest()
	// Saturday
	req.StartAt = time.Date(2026, 9, 5, 10, 0, 0, 0, time.UTC)
	req.EndAt = req.StartAt.Add(30 * time.Minute)

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasCode(t, result, CodeWeekendClosed)
}

func TestValidateGranularity(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.StartAt = time.Date(2026, 9, 1, 10, 7, 0, 0, time.UTC)
	req.EndAt = req.StartAt.Add(30 * time.Minute)

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasCode(t, result, CodeMisaligned)
}

func TestValidateBusinessHours(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.StartAt = time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC)
	req.EndAt = req.StartAt.Add(30 * time.Minute)

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasCode(t, result, CodeOutsideHours)

	// Saturday has no hours at all
	req.StartAt = time.Date(2026, 9, 5, 10, 0, 0, 0, time.UTC)
	req.EndAt = req.StartAt.Add(30 * time.Minute)
	result, err = f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasCode(t, result, CodeOutsideHours)
}

func TestValidateHoliday(t *testing.T) {
	f := newFixture(t)
	f.refs.Holidays["t1"] = []*domain.Holiday{
		{TenantID: "t1", Date: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), Name: "Founders Day"},
	}

	result, err := f.validator.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	assertHasCode(t, result, CodeHoliday)

	// services opted into holidays book right through them
	f.refs.Services["t1/svc-1"].AllowHolidays = true
	result, err = f.validator.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, result.OK())
}

func TestValidateCustomerUnknown(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.CustomerID = "ghost"

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasCode(t, result, CodeCustomerNotFound)
}

func TestValidateCustomerBlacklisted(t *testing.T) {
	f := newFixture(t)
	f.refs.Customers["t1/cust-1"].Blacklisted = true

	result, err := f.validator.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	assertHasCode(t, result, CodeCustomerBlacklisted)
}

func TestValidateResourceSeatCeiling(t *testing.T) {
	f := newFixture(t)
	f.refs.Resources["t1/res-1"].Capacity = 2
	req := validRequest()
	req.Capacity = 3

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasCode(t, result, CodeCapacityUnavailable)
}

func TestValidateCapacityNotObtainable(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	// no inventory exists for this interval
	req.StartAt = time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)
	req.EndAt = req.StartAt.Add(30 * time.Minute)

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasCode(t, result, CodeCapacityUnavailable)

	// a full slot is just as unbookable
	f2 := newFixture(t)
	f2.slots.Put(&domain.Timeslot{
		ID: clock.NewID(), TenantID: "t1", ResourceID: "res-1",
		StartAt: req.StartAt, EndAt: req.EndAt,
		TotalCapacity: 1, BookedCapacity: 1, Version: 1,
	})
	result, err = f2.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasCode(t, result, CodeCapacityUnavailable)
}

func TestValidateOverlapAndActiveLimit(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	f.bookings.Put(&domain.Booking{
		ID: "b1", TenantID: "t1", CustomerID: "cust-1",
		Status:  domain.BookingStatusConfirmed,
		StartAt: req.StartAt.Add(15 * time.Minute),
		EndAt:   req.EndAt.Add(15 * time.Minute),
	})

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assertHasCode(t, result, CodeOverlap)

	// cancelled bookings do not count
	f2 := newFixture(t)
	f2.bookings.Put(&domain.Booking{
		ID: "b1", TenantID: "t1", CustomerID: "cust-1",
		Status:  domain.BookingStatusCancelled,
		StartAt: req.StartAt,
		EndAt:   req.EndAt,
	})
	result, err = f2.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.OK())
}

func TestValidateActiveBookingCeiling(t *testing.T) {
	f := newFixture(t)
	for i, id := range []string{"b1", "b2", "b3"} {
		start := time.Date(2026, 9, 10+i, 10, 0, 0, 0, time.UTC)
		f.bookings.Put(&domain.Booking{
			ID: id, TenantID: "t1", CustomerID: "cust-1",
			Status: domain.BookingStatusConfirmed, StartAt: start, EndAt: start.Add(30 * time.Minute),
		})
	}

	result, err := f.validator.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	assertHasCode(t, result, CodeTooManyActive)
}

func TestValidateSuggestionsOnFailure(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.StartAt = testNow.Add(10 * time.Minute)
	req.EndAt = req.StartAt.Add(30 * time.Minute)

	for i := 0; i < 8; i++ {
		start := time.Date(2026, 9, 1, 11+i, 0, 0, 0, time.UTC)
		f.slots.Put(&domain.Timeslot{
			ID: clock.NewID(), TenantID: "t1", ResourceID: "res-1",
			StartAt: start, EndAt: start.Add(30 * time.Minute),
			TotalCapacity: 2, Version: 1,
		})
	}

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.OK())
	assert.Len(t, result.Suggestions, MaxSuggestions)
	for i := 1; i < len(result.Suggestions); i++ {
		assert.True(t, result.Suggestions[i].StartAt.After(result.Suggestions[i-1].StartAt))
	}
}

func TestValidateCancelWindowWarning(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	// inside the 24h cancel window but beyond lead time
	req.StartAt = testNow.Add(2 * time.Hour)
	req.EndAt = req.StartAt.Add(30 * time.Minute)

	result, err := f.validator.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.OK())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, CodeNearCancelWindow, result.Warnings[0].Code)
}

func TestEvaluateCancellationOutsideWindowPartial(t *testing.T) {
	f := newFixture(t)
	booking := &domain.Booking{
		Status:     domain.BookingStatusConfirmed,
		StartAt:    testNow.Add(48 * time.Hour),
		TotalMinor: 10000,
	}
	policy := f.refs.Policies["t1"]
	policy.PenaltyPercent = 10

	out := f.validator.EvaluateCancellation(booking, policy, domain.CancelReasonCustomerRequest)
	assert.True(t, out.Allowed)
	assert.Equal(t, int64(9000), out.RefundMinor)
	assert.Equal(t, int64(1000), out.PenaltyMinor)
}

func TestEvaluateCancellationFullRefundPolicy(t *testing.T) {
	f := newFixture(t)
	booking := &domain.Booking{
		Status:     domain.BookingStatusConfirmed,
		StartAt:    testNow.Add(48 * time.Hour),
		TotalMinor: 5000,
	}
	policy := f.refs.Policies["t1"]
	policy.RefundPolicy = domain.RefundPolicyFull

	out := f.validator.EvaluateCancellation(booking, policy, domain.CancelReasonCustomerRequest)
	assert.True(t, out.Allowed)
	assert.Equal(t, int64(5000), out.RefundMinor)
	assert.Zero(t, out.PenaltyMinor)
}

func TestEvaluateCancellationInsideWindowDenied(t *testing.T) {
	f := newFixture(t)
	booking := &domain.Booking{
		Status:     domain.BookingStatusConfirmed,
		StartAt:    testNow.Add(6 * time.Hour),
		TotalMinor: 5000,
	}

	out := f.validator.EvaluateCancellation(booking, f.refs.Policies["t1"], domain.CancelReasonCustomerRequest)
	assert.False(t, out.Allowed)
	assert.Equal(t, DenialWindowClosed, out.DenialReason)
	assert.Zero(t, out.RefundMinor)
}

func TestEvaluateCancellationEmergencyWaives(t *testing.T) {
	f := newFixture(t)
	booking := &domain.Booking{
		Status:     domain.BookingStatusConfirmed,
		StartAt:    testNow.Add(time.Hour),
		TotalMinor: 5000,
	}
	policy := f.refs.Policies["t1"]
	policy.RefundPolicy = domain.RefundPolicyNone

	out := f.validator.EvaluateCancellation(booking, policy, domain.CancelReasonEmergency)
	assert.True(t, out.Allowed)
	assert.Equal(t, int64(5000), out.RefundMinor)
}

func TestEvaluateCancellationNoRefundPolicy(t *testing.T) {
	f := newFixture(t)
	booking := &domain.Booking{
		Status:     domain.BookingStatusConfirmed,
		StartAt:    testNow.Add(48 * time.Hour),
		TotalMinor: 5000,
	}
	policy := f.refs.Policies["t1"]
	policy.RefundPolicy = domain.RefundPolicyNone

	out := f.validator.EvaluateCancellation(booking, policy, domain.CancelReasonCustomerRequest)
	assert.True(t, out.Allowed)
	assert.Zero(t, out.RefundMinor)
	assert.Equal(t, int64(5000), out.PenaltyMinor)
}

func TestEvaluateCancellationAfterStart(t *testing.T) {
	f := newFixture(t)
	booking := &domain.Booking{
		Status:     domain.BookingStatusConfirmed,
		StartAt:    testNow.Add(-time.Hour),
		TotalMinor: 5000,
	}
	out := f.validator.EvaluateCancellation(booking, f.refs.Policies["t1"], domain.CancelReasonCustomerRequest)
	assert.False(t, out.Allowed)
	assert.Equal(t, DenialAlreadyStarted, out.DenialReason)
}

func TestEvaluateCancellationTerminal(t *testing.T) {
	f := newFixture(t)
	booking := &domain.Booking{
		Status:  domain.BookingStatusCancelled,
		StartAt: testNow.Add(48 * time.Hour),
	}
	out := f.validator.EvaluateCancellation(booking, f.refs.Policies["t1"], domain.CancelReasonCustomerRequest)
	assert.False(t, out.Allowed)
	assert.Equal(t, DenialTerminal, out.DenialReason)
}

func assertHasCode(t *testing.T, result *domain.ValidationResult, code string) {
	t.Helper()
	for _, issue := range result.Errors {
		if issue.Code == code {
			return
		}
	}
	t.Fatalf("expected error code %s, got %+v", code, result.Errors)
}

func assertHasWarning(t *testing.T, result *domain.ValidationResult, code string) {
	t.Helper()
	for _, issue := range result.Warnings {
		if issue.Code == code {
			return
		}
	}
	t.Fatalf("expected warning code %s, got %+v", code, result.Warnings)
}

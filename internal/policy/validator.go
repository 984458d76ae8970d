// Package policy evaluates tenant booking rules. The validator is a pure
// read path: it never mutates state, and capacity itself is re-checked under
// locks by the booking pipeline, so a pass here is advisory for capacity and
// authoritative for everything else.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// Issue codes reported by the validator
const (
	CodeServiceInactive     = "SERVICE_INACTIVE"
	CodeResourceInactive    = "RESOURCE_INACTIVE"
	CodeLeadTimeTooShort    = "LEAD_TIME_TOO_SHORT"
	CodeTooFarAhead         = "TOO_FAR_AHEAD"
	CodeMisaligned          = "MISALIGNED_INTERVAL"
	CodeOutsideHours        = "OUTSIDE_BUSINESS_HOURS"
	CodeHoliday             = "HOLIDAY"
	CodeTimeOff             = "RESOURCE_TIME_OFF"
	CodeOverlap             = "OVERLAPPING_BOOKING"
	CodeTooManyActive       = "TOO_MANY_ACTIVE_BOOKINGS"
	CodeTooManySlots        = "TOO_MANY_SLOTS"
	CodeInPast              = "START_IN_PAST"
	CodeInvalidInterval     = "INVALID_INTERVAL"
	CodeIntervalTooShort    = "INTERVAL_TOO_SHORT"
	CodeLongBooking         = "LONG_BOOKING"
	CodeDurationMismatch    = "SERVICE_DURATION_MISMATCH"
	CodeServiceMinAdvance   = "SERVICE_MIN_ADVANCE"
	CodeWeekendClosed       = "WEEKEND_NOT_BOOKABLE"
	CodeCustomerNotFound    = "CUSTOMER_NOT_FOUND"
	CodeCustomerBlacklisted = "CUSTOMER_BLACKLISTED"
	CodeCapacityUnavailable = "CAPACITY_UNAVAILABLE"
	CodeNearCancelWindow    = "NEAR_CANCEL_WINDOW"
)

// Denial reasons for cancellation evaluation
const (
	DenialWindowClosed   = "CANCEL_WINDOW_CLOSED"
	DenialTerminal       = "BOOKING_TERMINAL"
	DenialAlreadyStarted = "BOOKING_ALREADY_STARTED"
)

// MaxSuggestions caps the alternatives returned with a failed validation
const MaxSuggestions = 5

// Interval bounds applied to every booking. Beyond DurationWarnCeiling the
// booking is flagged but not rejected.
const (
	MinBookingDuration   = 5 * time.Minute
	DurationWarnCeiling  = 8 * time.Hour
	ServiceDurationSlack = 5 * time.Minute
)

// SuggestionHorizonDays bounds how far ahead alternatives are searched
const SuggestionHorizonDays = 7

// Request is one booking attempt to validate
type Request struct {
	TenantID   string
	CustomerID string
	ServiceID  string
	ResourceID string
	StartAt    time.Time
	EndAt      time.Time
	SlotCount  int
	// Capacity is the units requested per slot; zero means one
	Capacity int
}

// Validator checks booking requests against tenant policy and calendars
type Validator struct {
	refs     repository.ReferenceRepository
	bookings repository.BookingRepository
	slots    repository.TimeslotRepository
	clock    clock.Clock
}

// NewValidator creates a Validator
func NewValidator(refs repository.ReferenceRepository, bookings repository.BookingRepository, slots repository.TimeslotRepository, clk clock.Clock) *Validator {
	return &Validator{refs: refs, bookings: bookings, slots: slots, clock: clk}
}

// Validate runs every policy check for the request. All checks run even
// after the first failure so the caller gets the complete picture; when any
// hard check fails, up to MaxSuggestions alternative windows are attached.
func (v *Validator) Validate(ctx context.Context, req Request) (*domain.ValidationResult, error) {
	ctx, span := telemetry.Start(ctx, "policy.validate")
	defer span.End()
	span.SetAttributes(
		attribute.String("service_id", req.ServiceID),
		attribute.String("resource_id", req.ResourceID),
	)

	result := &domain.ValidationResult{}
	now := v.clock.Now()

	if !req.EndAt.After(req.StartAt) {
		result.AddError(CodeInvalidInterval, "endAt", "end must be after start")
		return result, nil
	}
	duration := req.EndAt.Sub(req.StartAt)
	if duration < MinBookingDuration {
		result.AddError(CodeIntervalTooShort, "endAt",
			fmt.Sprintf("bookings must last at least %d minutes", int(MinBookingDuration.Minutes())))
	}
	if duration > DurationWarnCeiling {
		result.AddWarning(CodeLongBooking, "endAt",
			fmt.Sprintf("booking exceeds %d hours", int(DurationWarnCeiling.Hours())))
	}
	if !req.StartAt.After(now) {
		result.AddError(CodeInPast, "startAt", "start must be in the future")
	}

	policy, err := v.refs.GetTenantPolicy(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(policy.Timezone)
	if err != nil {
		loc = time.UTC
	}

	svc, err := v.refs.GetService(ctx, req.TenantID, req.ServiceID)
	if err != nil {
		return nil, err
	}
	v.checkService(req, svc, now, loc, duration, result)

	resource, err := v.refs.GetResource(ctx, req.TenantID, req.ResourceID)
	if err != nil {
		return nil, err
	}
	if !resource.Active {
		result.AddError(CodeResourceInactive, "resourceId", "resource is not bookable")
	}
	required := req.Capacity
	if required <= 0 {
		required = 1
	}
	if resource.Capacity > 0 && required > resource.Capacity {
		result.AddError(CodeCapacityUnavailable, "capacity",
			fmt.Sprintf("resource seats %d, %d requested", resource.Capacity, required))
	}

	v.checkLeadAndAdvance(req, policy, now, result)
	v.checkGranularity(req, policy, loc, result)
	if err := v.checkCalendar(ctx, req, svc, loc, result); err != nil {
		return nil, err
	}
	if err := v.checkCustomer(ctx, req, policy, result); err != nil {
		return nil, err
	}
	if err := v.checkObtainable(ctx, req, required, result); err != nil {
		return nil, err
	}

	if policy.MaxSlotsPerBooking > 0 && req.SlotCount > policy.MaxSlotsPerBooking {
		result.AddError(CodeTooManySlots, "slots",
			fmt.Sprintf("booking spans %d slots, limit is %d", req.SlotCount, policy.MaxSlotsPerBooking))
	}

	// booking inside the cancellation window is allowed but flagged
	if policy.CancelWindowHours > 0 {
		windowStart := req.StartAt.Add(-time.Duration(policy.CancelWindowHours) * time.Hour)
		if now.After(windowStart) {
			result.AddWarning(CodeNearCancelWindow, "startAt",
				"booking starts inside the cancellation window and cannot be cancelled without penalty")
		}
	}

	if !result.OK() {
		suggestions, err := v.Suggest(ctx, req.TenantID, req.ResourceID, req.StartAt, req.EndAt.Sub(req.StartAt))
		if err == nil {
			result.Suggestions = suggestions
		}
	}

	span.SetAttributes(attribute.Int("errors", len(result.Errors)))
	return result, nil
}

func (v *Validator) checkLeadAndAdvance(req Request, policy *domain.TenantPolicy, now time.Time, result *domain.ValidationResult) {
	if policy.MinLeadTimeMinutes > 0 {
		earliest := now.Add(time.Duration(policy.MinLeadTimeMinutes) * time.Minute)
		if req.StartAt.Before(earliest) {
			result.AddError(CodeLeadTimeTooShort, "startAt",
				fmt.Sprintf("bookings require %d minutes lead time", policy.MinLeadTimeMinutes))
		}
	}
	if policy.MaxAdvanceDays > 0 {
		latest := now.AddDate(0, 0, policy.MaxAdvanceDays)
		if req.StartAt.After(latest) {
			result.AddError(CodeTooFarAhead, "startAt",
				fmt.Sprintf("bookings open at most %d days ahead", policy.MaxAdvanceDays))
		}
	}
}

func (v *Validator) checkService(req Request, svc *domain.Service, now time.Time, loc *time.Location, duration time.Duration, result *domain.ValidationResult) {
	if !svc.Active {
		result.AddError(CodeServiceInactive, "serviceId", "service is not bookable")
	}
	if svc.DurationMinutes > 0 {
		expected := time.Duration(svc.DurationMinutes) * time.Minute
		diff := duration - expected
		if diff < 0 {
			diff = -diff
		}
		if diff > ServiceDurationSlack {
			result.AddWarning(CodeDurationMismatch, "endAt",
				fmt.Sprintf("service runs %d minutes, %d requested", svc.DurationMinutes, int(duration.Minutes())))
		}
	}
	if svc.MinAdvanceMinutes > 0 {
		earliest := now.Add(time.Duration(svc.MinAdvanceMinutes) * time.Minute)
		if req.StartAt.Before(earliest) {
			result.AddError(CodeServiceMinAdvance, "startAt",
				fmt.Sprintf("service requires %d minutes advance booking", svc.MinAdvanceMinutes))
		}
	}
	if !svc.AllowWeekends {
		wd := req.StartAt.In(loc).Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			result.AddError(CodeWeekendClosed, "startAt", "service is not offered on weekends")
		}
	}
}

func (v *Validator) checkGranularity(req Request, policy *domain.TenantPolicy, loc *time.Location, result *domain.ValidationResult) {
	g := policy.GranularityMinutes
	if g <= 0 {
		return
	}
	start := req.StartAt.In(loc)
	end := req.EndAt.In(loc)
	if minutesFromMidnight(start)%g != 0 || minutesFromMidnight(end)%g != 0 {
		result.AddError(CodeMisaligned, "startAt",
			fmt.Sprintf("interval must align to the %d-minute grid", g))
	}
}

func (v *Validator) checkCalendar(ctx context.Context, req Request, svc *domain.Service, loc *time.Location, result *domain.ValidationResult) error {
	start := req.StartAt.In(loc)
	end := req.EndAt.In(loc)

	if !svc.AllowHolidays {
		dayStart, _ := clock.DayBounds(start, loc)
		holidays, err := v.refs.ListHolidays(ctx, req.TenantID, req.ResourceID, dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			return err
		}
		if len(holidays) > 0 {
			result.AddError(CodeHoliday, "startAt", fmt.Sprintf("closed for %s", holidays[0].Name))
		}
	}

	hours, err := v.refs.ListBusinessHours(ctx, req.TenantID, req.ResourceID)
	if err != nil {
		return err
	}
	if !withinHours(hours, req.ResourceID, start, end) {
		result.AddError(CodeOutsideHours, "startAt", "interval is outside business hours")
	}

	timeOff, err := v.refs.ListTimeOff(ctx, req.TenantID, req.ResourceID, req.StartAt, req.EndAt)
	if err != nil {
		return err
	}
	for _, b := range timeOff {
		if b.Overlaps(req.StartAt, req.EndAt) {
			result.AddError(CodeTimeOff, "startAt", "resource is blocked for this interval")
			break
		}
	}
	return nil
}

func (v *Validator) checkCustomer(ctx context.Context, req Request, policy *domain.TenantPolicy, result *domain.ValidationResult) error {
	customer, err := v.refs.GetCustomer(ctx, req.TenantID, req.CustomerID)
	switch {
	case err == nil:
		if customer.Blacklisted {
			result.AddError(CodeCustomerBlacklisted, "customerId", "customer is not allowed to book")
		}
	case errors.Is(err, domain.ErrCustomerNotFound):
		result.AddError(CodeCustomerNotFound, "customerId", "customer does not exist")
	default:
		return err
	}

	overlapping, err := v.bookings.FindOverlapping(ctx, req.TenantID, req.CustomerID, req.StartAt, req.EndAt)
	if err != nil {
		return err
	}
	if len(overlapping) > 0 {
		result.AddError(CodeOverlap, "startAt", "customer already holds a booking in this interval")
	}

	if policy.MaxActivePerCustomer > 0 {
		active, err := v.bookings.CountActiveByCustomer(ctx, req.TenantID, req.CustomerID)
		if err != nil {
			return err
		}
		if active >= policy.MaxActivePerCustomer {
			result.AddError(CodeTooManyActive, "customerId",
				fmt.Sprintf("customer holds %d active bookings, limit is %d", active, policy.MaxActivePerCustomer))
		}
	}
	return nil
}

// checkObtainable asks the inventory read model, without locks, whether the
// requested capacity is open right now. The booking pipeline re-checks under
// locks; this only keeps doomed requests from reaching it.
func (v *Validator) checkObtainable(ctx context.Context, req Request, required int, result *domain.ValidationResult) error {
	checks, err := v.slots.CheckCapacity(ctx, req.TenantID, []domain.CapacityQuery{{
		ResourceID: req.ResourceID,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Required:   required,
	}})
	if err != nil {
		return err
	}
	if len(checks) == 1 && !checks[0].Obtainable {
		result.AddError(CodeCapacityUnavailable, "startAt",
			fmt.Sprintf("%d of %d requested units available", checks[0].Available, required))
	}
	return nil
}

// Suggest returns up to MaxSuggestions open windows of at least duration,
// scanning forward from after across the suggestion horizon
func (v *Validator) Suggest(ctx context.Context, tenantID, resourceID string, after time.Time, duration time.Duration) ([]domain.AvailabilityWindow, error) {
	ctx, span := telemetry.Start(ctx, "policy.suggest")
	defer span.End()

	horizon := after.AddDate(0, 0, SuggestionHorizonDays)
	windows, err := v.slots.ListAvailability(ctx, tenantID, []string{resourceID}, after, horizon)
	if err != nil {
		return nil, err
	}

	var out []domain.AvailabilityWindow
	for _, w := range windows {
		if w.EndAt.Sub(w.StartAt) < duration {
			continue
		}
		out = append(out, w)
		if len(out) == MaxSuggestions {
			break
		}
	}
	return out, nil
}

// EvaluateCancellation applies the tenant's cancellation policy to a
// booking. Emergency and business-closure reasons always allow a full
// refund. Everything else must cancel before the window closes, and the
// refund policy decides how much of the total the customer gets back.
func (v *Validator) EvaluateCancellation(booking *domain.Booking, policy *domain.TenantPolicy, reason domain.CancellationReason) domain.CancellationOutcome {
	now := v.clock.Now()
	out := domain.CancellationOutcome{
		HoursUntilStart: booking.StartAt.Sub(now).Hours(),
	}

	if booking.Status.IsTerminal() {
		out.DenialReason = DenialTerminal
		return out
	}

	if reason.WaivesPenalty() {
		out.Allowed = true
		out.RefundMinor = booking.TotalMinor
		return out
	}

	if !now.Before(booking.StartAt) {
		out.DenialReason = DenialAlreadyStarted
		return out
	}

	windowOpen := policy.CancelWindowHours <= 0 ||
		booking.StartAt.Sub(now) >= time.Duration(policy.CancelWindowHours)*time.Hour
	if !windowOpen {
		out.DenialReason = DenialWindowClosed
		return out
	}

	out.Allowed = true
	switch policy.RefundPolicy {
	case domain.RefundPolicyPartial:
		out.PenaltyMinor = booking.TotalMinor * int64(policy.PenaltyPercent) / 100
		out.RefundMinor = booking.TotalMinor - out.PenaltyMinor
	case domain.RefundPolicyNone:
		out.PenaltyMinor = booking.TotalMinor
	default:
		out.RefundMinor = booking.TotalMinor
	}
	return out
}

func minutesFromMidnight(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func withinHours(hours []*domain.BusinessHours, resourceID string, start, end time.Time) bool {
	if len(hours) == 0 {
		return true
	}
	day := resolveDay(hours, resourceID, start.Weekday())
	if len(day) == 0 {
		return false
	}
	startMin := minutesFromMidnight(start)
	endMin := minutesFromMidnight(end)
	if endMin == 0 && end.Day() != start.Day() {
		endMin = 24 * 60
	}
	for _, h := range day {
		if h.Contains(startMin, endMin) {
			return true
		}
	}
	return false
}

func resolveDay(hours []*domain.BusinessHours, resourceID string, weekday time.Weekday) []*domain.BusinessHours {
	var specific, general []*domain.BusinessHours
	for _, h := range hours {
		if h.Weekday != weekday {
			continue
		}
		if h.ResourceID == resourceID && resourceID != "" {
			specific = append(specific, h)
		} else if h.ResourceID == "" {
			general = append(general, h)
		}
	}
	if len(specific) > 0 {
		return specific
	}
	return general
}

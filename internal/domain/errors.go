package domain

import "errors"

// Domain errors
var (
	// Booking errors
	ErrBookingNotFound      = errors.New("booking not found")
	ErrBookingExpired       = errors.New("booking has expired")
	ErrBookingTerminal      = errors.New("booking is in a terminal status")
	ErrInvalidTransition    = errors.New("invalid booking status transition")
	ErrDoubleBooking        = errors.New("customer already holds a booking overlapping this interval")
	ErrTooManyActive        = errors.New("customer active booking limit reached")

	// Inventory errors
	ErrTimeslotNotFound   = errors.New("timeslot not found")
	ErrCapacityExceeded   = errors.New("insufficient capacity on timeslot")
	ErrVersionMismatch    = errors.New("timeslot version mismatch")
	ErrCapacityUnderflow  = errors.New("release exceeds booked capacity")
	ErrSlotInPast         = errors.New("timeslot start is in the past")

	// Resource and reference errors
	ErrResourceNotFound = errors.New("resource not found")
	ErrResourceInactive = errors.New("resource is inactive")
	ErrServiceNotFound  = errors.New("service not found")
	ErrServiceInactive  = errors.New("service is inactive")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrTenantNotFound   = errors.New("tenant not found")

	// Idempotency errors
	ErrIdempotencyInProgress = errors.New("request with this idempotency key is still processing")
	ErrIdempotencyMismatch   = errors.New("idempotency key reused with a different payload")
	ErrIdempotencyExhausted  = errors.New("idempotency key retry budget exhausted")

	// Cancellation errors
	ErrCancelWindowClosed = errors.New("cancellation window has closed")
	ErrCancellationDenied = errors.New("cancellation not allowed")

	// Policy errors
	ErrPolicyRejected = errors.New("booking request rejected by tenant policy")

	// Webhook errors
	ErrWebhookSignature = errors.New("webhook signature verification failed")
	ErrWebhookStale     = errors.New("webhook timestamp outside tolerance")
	ErrWebhookDuplicate = errors.New("webhook event already processed")

	// Payment errors
	ErrPaymentDeclined = errors.New("payment was declined")
	ErrPaymentPending  = errors.New("payment is pending confirmation")

	// Validation errors
	ErrInvalidQuantity    = errors.New("quantity must be greater than zero")
	ErrInvalidInterval    = errors.New("end must be after start")
	ErrInvalidGranularity = errors.New("interval not aligned to slot granularity")
	ErrInvalidCurrency    = errors.New("unsupported currency")
)

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrTimeslotNotFound) ||
		errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrTenantNotFound)
}

// IsConflictError checks if the error is a conflict error
func IsConflictError(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrVersionMismatch) ||
		errors.Is(err, ErrDoubleBooking) ||
		errors.Is(err, ErrTooManyActive) ||
		errors.Is(err, ErrIdempotencyMismatch) ||
		errors.Is(err, ErrIdempotencyInProgress) ||
		errors.Is(err, ErrIdempotencyExhausted) ||
		errors.Is(err, ErrBookingTerminal) ||
		errors.Is(err, ErrCancellationDenied)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidGranularity) ||
		errors.Is(err, ErrInvalidCurrency) ||
		errors.Is(err, ErrSlotInPast) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPolicyRejected)
}

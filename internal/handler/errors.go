package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/pkg/response"
)

// writeError maps domain errors onto the stable error codes of the HTTP
// contract. A version mismatch that survives the retry loop surfaces as
// capacity contention; the internal code never reaches callers.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		response.Error(c, response.CodeIdempotencyFingerprint, "idempotency key reused with a different payload")
	case errors.Is(err, domain.ErrIdempotencyInProgress):
		response.RetryAfter(c, 1)
		response.Error(c, response.CodeIdempotencyProcessing, "request with this idempotency key is still processing")
	case errors.Is(err, domain.ErrIdempotencyExhausted):
		response.Error(c, response.CodeIdempotencyExhausted, "idempotency key retry budget exhausted")
	case errors.Is(err, domain.ErrCapacityExceeded), errors.Is(err, domain.ErrVersionMismatch):
		response.Error(c, response.CodeCapacityExceeded, "requested capacity is no longer available")
	case errors.Is(err, domain.ErrDoubleBooking):
		response.Error(c, response.CodeDoubleBooking, "customer already holds an overlapping booking")
	case errors.Is(err, domain.ErrCancellationDenied):
		response.Error(c, response.CodeCancellationDenied, "cancellation not allowed", err.Error())
	case errors.Is(err, domain.ErrBookingExpired):
		response.Error(c, response.CodeResourceUnavailable, "booking is no longer active")
	case domain.IsNotFoundError(err):
		response.Error(c, response.CodeNotFound, err.Error())
	case domain.IsValidationError(err):
		response.Error(c, response.CodeValidationError, err.Error())
	case errors.Is(err, domain.ErrWebhookSignature), errors.Is(err, domain.ErrWebhookStale):
		response.Unauthorized(c, err.Error())
	default:
		response.InternalError(c, err)
	}
}

package response

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Stable error codes surfaced to callers
const (
	CodeValidationError        = "VALIDATION_ERROR"
	CodeCapacityExceeded       = "CAPACITY_EXCEEDED"
	CodeDoubleBooking          = "DOUBLE_BOOKING"
	CodeIdempotencyFingerprint = "IDEMPOTENCY_CONFLICT_FINGERPRINT"
	CodeIdempotencyProcessing  = "IDEMPOTENCY_PROCESSING"
	CodeIdempotencyExhausted   = "IDEMPOTENCY_RETRIES_EXHAUSTED"
	CodeCancellationDenied     = "CANCELLATION_DENIED"
	CodeResourceUnavailable    = "RESOURCE_UNAVAILABLE"
	CodeAuthenticationError    = "AUTHENTICATION_ERROR"
	CodeAccessDenied           = "ACCESS_DENIED"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeProviderError          = "PROVIDER_ERROR"
	CodeNotFound               = "NOT_FOUND"
	CodeBadRequest             = "BAD_REQUEST"
	CodeInternalError          = "INTERNAL_ERROR"
)

// Response is the envelope for all JSON responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorData  `json:"error,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

// ErrorData carries a stable code plus a human message and optional
// per-field details
type ErrorData struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// statusFor maps stable error codes to HTTP statuses. VERSION_MISMATCH never
// appears here: it is retried or translated before reaching the surface.
func statusFor(code string) int {
	switch code {
	case CodeValidationError:
		return http.StatusUnprocessableEntity
	case CodeCapacityExceeded, CodeDoubleBooking, CodeIdempotencyFingerprint,
		CodeIdempotencyProcessing, CodeIdempotencyExhausted, CodeCancellationDenied:
		return http.StatusConflict
	case CodeResourceUnavailable, CodeNotFound:
		return http.StatusNotFound
	case CodeAuthenticationError:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case CodeProviderError:
		return http.StatusBadGateway
	case CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func SuccessWithMeta(c *gin.Context, data, meta interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data, Meta: meta})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Success: true, Data: data})
}

// Error writes an error response with the HTTP status implied by code
func Error(c *gin.Context, code, message string, details ...string) {
	c.JSON(statusFor(code), Response{
		Success: false,
		Error:   &ErrorData{Code: code, Message: message, Details: details},
	})
}

// ErrorWithStatus writes an error response with an explicit HTTP status
func ErrorWithStatus(c *gin.Context, status int, code, message string, details ...string) {
	c.JSON(status, Response{
		Success: false,
		Error:   &ErrorData{Code: code, Message: message, Details: details},
	})
}

// RetryAfter sets the Retry-After header, in whole seconds, on the
// response about to be written
func RetryAfter(c *gin.Context, seconds int) {
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
}

// AbortError aborts the request chain with an error response
func AbortError(c *gin.Context, code, message string, details ...string) {
	c.AbortWithStatusJSON(statusFor(code), Response{
		Success: false,
		Error:   &ErrorData{Code: code, Message: message, Details: details},
	})
}

func InternalError(c *gin.Context, err error) {
	Error(c, CodeInternalError, "internal server error", err.Error())
}

func BadRequest(c *gin.Context, message string) {
	Error(c, CodeBadRequest, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, CodeNotFound, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, CodeAuthenticationError, message)
}

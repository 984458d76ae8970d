package handler

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wer-inc/ripipi/internal/booking"
	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/metrics"
	"github.com/wer-inc/ripipi/pkg/response"
)

const idempotencyKeyHeader = "Idempotency-Key"

// BookingHandler exposes the admin booking API
type BookingHandler struct {
	coord *booking.Coordinator
}

func NewBookingHandler(coord *booking.Coordinator) *BookingHandler {
	return &BookingHandler{coord: coord}
}

type slotRefBody struct {
	ResourceID      string `json:"resourceId" binding:"required"`
	TimeslotID      string `json:"timeslotId" binding:"required"`
	Quantity        int    `json:"quantity" binding:"required,min=1"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

type createBookingBody struct {
	CustomerID string        `json:"customerId" binding:"required"`
	ServiceID  string        `json:"serviceId" binding:"required"`
	ResourceID string        `json:"resourceId" binding:"required"`
	StartAt    time.Time     `json:"startAt" binding:"required"`
	EndAt      time.Time     `json:"endAt" binding:"required"`
	Slots      []slotRefBody `json:"slots" binding:"required,min=1,dive"`
	TotalMinor int64         `json:"totalMinor"`
	Currency   string        `json:"currency" binding:"required"`
}

// Create handles POST /admin/bookings. Without an Idempotency-Key header the
// key is derived from the payload, so a byte-identical retry still replays.
func (h *BookingHandler) Create(c *gin.Context) {
	var body createBookingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid booking payload: "+err.Error())
		return
	}

	tenantID := c.GetString(ctxKeyTenantID)
	req := &booking.ConfirmRequest{
		TenantID:       tenantID,
		CustomerID:     body.CustomerID,
		ServiceID:      body.ServiceID,
		ResourceID:     body.ResourceID,
		StartAt:        body.StartAt,
		EndAt:          body.EndAt,
		Slots:          make([]domain.SlotRef, len(body.Slots)),
		TotalMinor:     body.TotalMinor,
		Currency:       body.Currency,
		IdempotencyKey: c.GetHeader(idempotencyKeyHeader),
		Actor:          c.GetString(ctxKeyActor),
		Meta: domain.RequestMeta{
			Method:      c.Request.Method,
			URL:         c.FullPath(),
			ContentType: c.ContentType(),
			Tenant:      tenantID,
			User:        c.GetString(ctxKeyActor),
		},
	}
	for i, s := range body.Slots {
		req.Slots[i] = domain.SlotRef{
			ResourceID:      s.ResourceID,
			TimeslotID:      s.TimeslotID,
			Quantity:        s.Quantity,
			ExpectedVersion: s.ExpectedVersion,
		}
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = derivedIdempotencyKey(tenantID, &body)
	}

	res, err := h.coord.Confirm(c.Request.Context(), req)
	if err != nil {
		h.writeConfirmError(c, res, err)
		return
	}
	recordConfirmOutcome(c, tenantID, res)
	response.Created(c, res)
}

func recordConfirmOutcome(c *gin.Context, tenantID string, res *booking.ConfirmResult) {
	ctx := c.Request.Context()
	if res.Replayed {
		metrics.RecordReplay(ctx, tenantID)
		return
	}
	if res.Booking != nil && res.Booking.Status == domain.BookingStatusTentative {
		metrics.RecordHoldPlaced(ctx, tenantID)
		return
	}
	metrics.RecordBookingConfirmed(ctx, tenantID)
}

// writeConfirmError renders a failed confirm, attaching the validator's
// alternative windows when the slots were contended.
func (h *BookingHandler) writeConfirmError(c *gin.Context, res *booking.ConfirmResult, err error) {
	if errors.Is(err, domain.ErrPolicyRejected) && res != nil && res.Validation != nil {
		c.JSON(http.StatusUnprocessableEntity, response.Response{
			Success: false,
			Error: &response.ErrorData{
				Code:    response.CodeValidationError,
				Message: "booking request rejected by tenant policy",
			},
			Data: res.Validation,
		})
		return
	}
	if errors.Is(err, domain.ErrCapacityExceeded) || errors.Is(err, domain.ErrVersionMismatch) {
		metrics.RecordCapacityConflict(c.Request.Context(), c.GetString(ctxKeyTenantID))
	}
	if (errors.Is(err, domain.ErrCapacityExceeded) || errors.Is(err, domain.ErrVersionMismatch)) &&
		res != nil && len(res.Suggestions) > 0 {
		c.JSON(http.StatusConflict, response.Response{
			Success: false,
			Error: &response.ErrorData{
				Code:    response.CodeCapacityExceeded,
				Message: "requested capacity is no longer available",
			},
			Data: gin.H{"suggestions": res.Suggestions},
		})
		return
	}
	writeError(c, err)
}

// Get handles GET /admin/bookings/:id
func (h *BookingHandler) Get(c *gin.Context) {
	b, err := h.coord.Get(c.Request.Context(), c.GetString(ctxKeyTenantID), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, b)
}

type listBookingsParams struct {
	CustomerID string `form:"customerId" binding:"required"`
	Limit      int    `form:"limit,default=20" binding:"min=1,max=100"`
	Offset     int    `form:"offset,default=0" binding:"min=0"`
}

// List handles GET /admin/bookings
func (h *BookingHandler) List(c *gin.Context) {
	var params listBookingsParams
	if err := c.ShouldBindQuery(&params); err != nil {
		response.BadRequest(c, "customerId is required")
		return
	}

	bookings, err := h.coord.ListByCustomer(c.Request.Context(), c.GetString(ctxKeyTenantID), params.CustomerID, params.Limit, params.Offset)
	if err != nil {
		writeError(c, err)
		return
	}
	response.SuccessWithMeta(c, bookings, gin.H{"limit": params.Limit, "offset": params.Offset})
}

type cancelBookingBody struct {
	Reason string `json:"reason" binding:"required"`
}

// Cancel handles POST /admin/bookings/:id/cancel
func (h *BookingHandler) Cancel(c *gin.Context) {
	var body cancelBookingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "reason is required")
		return
	}

	res, err := h.coord.Cancel(c.Request.Context(), &booking.CancelRequest{
		TenantID:  c.GetString(ctxKeyTenantID),
		BookingID: c.Param("id"),
		Reason:    domain.CancellationReason(body.Reason),
		Actor:     c.GetString(ctxKeyActor),
	})
	if err != nil {
		if errors.Is(err, domain.ErrCancellationDenied) && res != nil {
			c.JSON(http.StatusConflict, response.Response{
				Success: false,
				Error: &response.ErrorData{
					Code:    response.CodeCancellationDenied,
					Message: "cancellation not allowed",
				},
				Data: res.Outcome,
			})
			return
		}
		writeError(c, err)
		return
	}
	metrics.RecordBookingCancelled(c.Request.Context(), c.GetString(ctxKeyTenantID), body.Reason)
	response.Success(c, res)
}

type confirmPaymentBody struct {
	PaymentID string `json:"paymentId"`
}

// ConfirmPayment handles POST /admin/bookings/:id/confirm, the manual path
// for captures reported out of band.
func (h *BookingHandler) ConfirmPayment(c *gin.Context) {
	var body confirmPaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid payload")
		return
	}

	tenantID := c.GetString(ctxKeyTenantID)
	id := c.Param("id")
	if err := h.coord.ConfirmPayment(c.Request.Context(), tenantID, id, body.PaymentID); err != nil {
		writeError(c, err)
		return
	}
	b, err := h.coord.Get(c.Request.Context(), tenantID, id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, b)
}

// derivedIdempotencyKey fingerprints the payload so unkeyed retries of the
// same request collapse onto one booking
func derivedIdempotencyKey(tenantID string, body *createBookingBody) string {
	raw, _ := json.Marshal(body)
	sum := sha256.Sum256(append([]byte(tenantID+"|"), raw...))
	return fmt.Sprintf("auto-%x", sum[:16])
}

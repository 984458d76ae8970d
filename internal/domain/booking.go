package domain

import (
	"time"
)

// BookingStatus represents the lifecycle state of a booking
type BookingStatus string

const (
	BookingStatusTentative BookingStatus = "tentative"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusNoShow    BookingStatus = "noshow"
	BookingStatusCompleted BookingStatus = "completed"
)

// IsValid checks if the status is a valid BookingStatus
func (s BookingStatus) IsValid() bool {
	switch s {
	case BookingStatusTentative, BookingStatusConfirmed, BookingStatusCancelled,
		BookingStatusNoShow, BookingStatusCompleted:
		return true
	}
	return false
}

// IsTerminal reports whether the status accepts no further transitions
func (s BookingStatus) IsTerminal() bool {
	switch s {
	case BookingStatusCancelled, BookingStatusNoShow, BookingStatusCompleted:
		return true
	}
	return false
}

// IsActive reports whether the booking still holds capacity
func (s BookingStatus) IsActive() bool {
	return s == BookingStatusTentative || s == BookingStatusConfirmed
}

// String returns the string representation of BookingStatus
func (s BookingStatus) String() string {
	return string(s)
}

// CancellationReason classifies why a booking was cancelled
type CancellationReason string

const (
	CancelReasonCustomerRequest CancellationReason = "CUSTOMER_REQUEST"
	CancelReasonEmergency       CancellationReason = "EMERGENCY"
	CancelReasonBusinessClosure CancellationReason = "BUSINESS_CLOSURE"
	CancelReasonPaymentFailed   CancellationReason = "PAYMENT_FAILED"
	CancelReasonNoShow          CancellationReason = "NO_SHOW"
	CancelReasonAdmin           CancellationReason = "ADMIN"
)

// WaivesPenalty reports whether the reason bypasses the cancellation window
// and penalty regardless of tenant policy
func (r CancellationReason) WaivesPenalty() bool {
	return r == CancelReasonEmergency || r == CancelReasonBusinessClosure
}

// Booking represents a reservation against one or more timeslots
type Booking struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenantId"`
	CustomerID     string        `json:"customerId"`
	ServiceID      string        `json:"serviceId"`
	StartAt        time.Time     `json:"startAt"`
	EndAt          time.Time     `json:"endAt"`
	Status         BookingStatus `json:"status"`
	TotalMinor     int64         `json:"totalMinor"`
	Currency       string        `json:"currency"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	PaymentID      string        `json:"paymentId,omitempty"`
	// ExpiresAt is set while Status is tentative; tentative bookings with a
	// nil ExpiresAt are invalid
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`

	Items []*BookingItem `json:"items,omitempty"`
}

// IsExpired reports whether a tentative booking has passed its hold window
func (b *Booking) IsExpired(now time.Time) bool {
	return b.Status == BookingStatusTentative && b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// BookingItem ties a booking to reserved capacity on one timeslot
type BookingItem struct {
	ID               string    `json:"id"`
	BookingID        string    `json:"bookingId"`
	TenantID         string    `json:"tenantId"`
	TimeslotID       string    `json:"timeslotId"`
	ResourceID       string    `json:"resourceId"`
	ReservedCapacity int       `json:"reservedCapacity"`
	// SlotVersion is the timeslot version observed when the reservation was
	// requested; used as the fence for release on cancellation
	SlotVersion int64     `json:"slotVersion"`
	CreatedAt   time.Time `json:"createdAt"`
}

// BookingChange is an immutable audit record of one status transition
type BookingChange struct {
	ID        string        `json:"id"`
	BookingID string        `json:"bookingId"`
	TenantID  string        `json:"tenantId"`
	OldStatus BookingStatus `json:"oldStatus,omitempty"`
	NewStatus BookingStatus `json:"newStatus"`
	OldStart  *time.Time    `json:"oldStart,omitempty"`
	NewStart  *time.Time    `json:"newStart,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Actor     string        `json:"actor,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// CancellationOutcome carries the evaluated result of a cancellation request
type CancellationOutcome struct {
	Allowed       bool   `json:"allowed"`
	DenialReason  string `json:"denialReason,omitempty"`
	PenaltyMinor  int64  `json:"penaltyMinor"`
	RefundMinor   int64  `json:"refundMinor"`
	HoursUntilStart float64 `json:"hoursUntilStart"`
}

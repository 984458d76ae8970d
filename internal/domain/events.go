package domain

import (
	"encoding/json"
	"time"
)

// BookingEventPayload is the body of booking.* outbox events
type BookingEventPayload struct {
	BookingID  string        `json:"bookingId"`
	TenantID   string        `json:"tenantId"`
	CustomerID string        `json:"customerId"`
	ServiceID  string        `json:"serviceId"`
	Status     BookingStatus `json:"status"`
	StartAt    time.Time     `json:"startAt"`
	EndAt      time.Time     `json:"endAt"`
	TotalMinor int64         `json:"totalMinor"`
	Currency   string        `json:"currency"`
	Reason     string        `json:"reason,omitempty"`
	// Slots carries the reserved capacity footprint for consumers that
	// mirror availability
	Slots      []SlotRef `json:"slots,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PaymentEventPayload is the body of payment.* outbox events
type PaymentEventPayload struct {
	PaymentID   string    `json:"paymentId"`
	BookingID   string    `json:"bookingId"`
	TenantID    string    `json:"tenantId"`
	AmountMinor int64     `json:"amountMinor"`
	Currency    string    `json:"currency"`
	FailureCode string    `json:"failureCode,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// TimeslotEventPayload is the body of timeslot.* outbox events
type TimeslotEventPayload struct {
	TimeslotID string    `json:"timeslotId"`
	ResourceID string    `json:"resourceId"`
	TenantID   string    `json:"tenantId"`
	StartAt    time.Time `json:"startAt"`
	Remaining  int       `json:"remaining"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewBookingEvent builds an outbox event for a booking transition. The
// caller persists it in the same transaction as the booking write.
func NewBookingEvent(id, eventType string, b *Booking, reason string, slots []SlotRef, now time.Time) (*OutboxEvent, error) {
	payload, err := json.Marshal(BookingEventPayload{
		BookingID:  b.ID,
		TenantID:   b.TenantID,
		CustomerID: b.CustomerID,
		ServiceID:  b.ServiceID,
		Status:     b.Status,
		StartAt:    b.StartAt,
		EndAt:      b.EndAt,
		TotalMinor: b.TotalMinor,
		Currency:   b.Currency,
		Reason:     reason,
		Slots:      slots,
		OccurredAt: now,
	})
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:            id,
		TenantID:      b.TenantID,
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     eventType,
		Payload:       payload,
		Status:        OutboxStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// NewPaymentEvent builds an outbox event for a payment transition. Payment
// events share the booking's aggregate id so they stay ordered with the
// booking events they follow.
func NewPaymentEvent(id, eventType string, p PaymentEventPayload, now time.Time) (*OutboxEvent, error) {
	p.OccurredAt = now
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:            id,
		TenantID:      p.TenantID,
		AggregateType: "payment",
		AggregateID:   p.BookingID,
		EventType:     eventType,
		Payload:       payload,
		Status:        OutboxStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

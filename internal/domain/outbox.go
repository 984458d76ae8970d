package domain

import (
	"encoding/json"
	"time"
)

// OutboxStatus represents the relay state of an outbox event
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusDeadletter OutboxStatus = "deadletter"
)

// IsValid checks if the status is a valid OutboxStatus
func (s OutboxStatus) IsValid() bool {
	switch s {
	case OutboxStatusPending, OutboxStatusProcessing, OutboxStatusPublished, OutboxStatusDeadletter:
		return true
	}
	return false
}

// String returns the string representation of OutboxStatus
func (s OutboxStatus) String() string {
	return string(s)
}

// Event types written to the outbox
const (
	EventBookingConfirmed       = "booking.confirmed"
	EventBookingCancelled       = "booking.cancelled"
	EventBookingExpired         = "booking.expired"
	EventBookingRescheduled     = "booking.rescheduled"
	EventBookingReminder        = "booking.reminder"
	EventPaymentCaptured        = "payment.captured"
	EventPaymentFailed          = "payment.failed"
	EventPaymentRefundRequested = "payment.refund_requested"
	EventTimeslotDepleted       = "timeslot.depleted"
)

// OutboxEvent is a domain event persisted in the same transaction as the
// state change it describes, relayed to Kafka and to notification dispatch
// by the outbox workers
type OutboxEvent struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	Status        OutboxStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	// NextAttemptAt gates retry claims; the relay only picks up rows whose
	// next attempt is due
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	ClaimedBy     string     `json:"claimedBy,omitempty"`
	ClaimedAt     *time.Time `json:"claimedAt,omitempty"`
	PublishedAt   *time.Time `json:"publishedAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// MaxOutboxAttempts is the delivery ceiling before an event deadletters
const MaxOutboxAttempts = 8

package domain

import (
	"encoding/json"
	"time"
)

// Channel is a notification delivery channel
type Channel string

const (
	ChannelEmail   Channel = "EMAIL"
	ChannelSMS     Channel = "SMS"
	ChannelPush    Channel = "PUSH"
	ChannelLine    Channel = "LINE"
	ChannelWebhook Channel = "WEBHOOK"
)

// AllChannels lists every supported channel in dispatch order
var AllChannels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelLine, ChannelWebhook}

// IsValid checks if the channel is a supported Channel
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelLine, ChannelWebhook:
		return true
	}
	return false
}

// String returns the string representation of Channel
func (c Channel) String() string {
	return string(c)
}

// DispatchStatus represents the delivery state of one notification dispatch
type DispatchStatus string

const (
	DispatchStatusPending   DispatchStatus = "pending"
	DispatchStatusSending   DispatchStatus = "sending"
	DispatchStatusDelivered DispatchStatus = "delivered"
	DispatchStatusRetrying  DispatchStatus = "retrying"
	DispatchStatusFailed    DispatchStatus = "failed"
	DispatchStatusSkipped   DispatchStatus = "skipped"
)

// IsValid checks if the status is a valid DispatchStatus
func (s DispatchStatus) IsValid() bool {
	switch s {
	case DispatchStatusPending, DispatchStatusSending, DispatchStatusDelivered,
		DispatchStatusRetrying, DispatchStatusFailed, DispatchStatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether the dispatch needs no further work
func (s DispatchStatus) IsTerminal() bool {
	return s == DispatchStatusDelivered || s == DispatchStatusFailed || s == DispatchStatusSkipped
}

// String returns the string representation of DispatchStatus
func (s DispatchStatus) String() string {
	return string(s)
}

// Priority orders dispatch work inside each channel queue
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// PriorityFor maps an event type to its dispatch priority. Cancellations and
// payment failures jump the queue; reminders yield to everything else.
func PriorityFor(eventType string) Priority {
	switch eventType {
	case EventBookingCancelled, EventPaymentFailed, EventBookingExpired:
		return PriorityHigh
	case EventBookingReminder:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// NotificationDispatch is one (event, channel, recipient) delivery attempt
// record. The unique key over (OutboxEventID, Channel, RecipientID) makes
// fan-out idempotent under relay retries.
type NotificationDispatch struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	OutboxEventID string          `json:"outboxEventId"`
	EventType     string          `json:"eventType"`
	Channel       Channel         `json:"channel"`
	RecipientID   string          `json:"recipientId"`
	Recipient     string          `json:"recipient"`
	Language      string          `json:"language"`
	Priority      Priority        `json:"priority"`
	Status        DispatchStatus  `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	Payload       json.RawMessage `json:"payload"`
	// ExternalID is the provider-side message id, used to correlate delivery
	// status webhooks back to this dispatch
	ExternalID  string     `json:"externalId,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// MaxDispatchAttempts is the per-channel delivery ceiling before a dispatch
// is marked failed
const MaxDispatchAttempts = 5

// NotificationPreference controls which channels a customer accepts and when
type NotificationPreference struct {
	TenantID   string  `json:"tenantId"`
	CustomerID string  `json:"customerId"`
	Channel    Channel `json:"channel"`
	Enabled    bool    `json:"enabled"`
	// Address overrides the customer's contact for this channel; WEBHOOK
	// deliveries require it since the endpoint lives nowhere else
	Address string `json:"address,omitempty"`
	// Quiet hours in minutes from local midnight; zero-zero means none
	QuietStartMinute int `json:"quietStartMinute"`
	QuietEndMinute   int `json:"quietEndMinute"`
	// DisabledTypes lists event types the recipient opted out of on this
	// channel
	DisabledTypes []string `json:"disabledTypes,omitempty"`
	// QuietTypes lists event types deferred during the quiet window; empty
	// defers every type
	QuietTypes []string `json:"quietTypes,omitempty"`
}

// TypeEnabled reports whether the recipient accepts this event type
func (p *NotificationPreference) TypeEnabled(eventType string) bool {
	for _, t := range p.DisabledTypes {
		if t == eventType {
			return false
		}
	}
	return true
}

// QuietAppliesTo reports whether quiet-hours suppression is configured for
// this event type
func (p *NotificationPreference) QuietAppliesTo(eventType string) bool {
	if len(p.QuietTypes) == 0 {
		return true
	}
	for _, t := range p.QuietTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// MinutesUntilQuietEnd returns how long until the quiet window closes,
// assuming localMinute falls inside it
func (p *NotificationPreference) MinutesUntilQuietEnd(localMinute int) int {
	delta := (p.QuietEndMinute - localMinute + 24*60) % (24 * 60)
	if delta == 0 {
		delta = 24 * 60
	}
	return delta
}

// InQuietHours reports whether the local time falls inside the quiet window,
// handling windows that wrap past midnight
func (p *NotificationPreference) InQuietHours(localMinute int) bool {
	if p.QuietStartMinute == p.QuietEndMinute {
		return false
	}
	if p.QuietStartMinute < p.QuietEndMinute {
		return localMinute >= p.QuietStartMinute && localMinute < p.QuietEndMinute
	}
	return localMinute >= p.QuietStartMinute || localMinute < p.QuietEndMinute
}

// Template is a localized notification body keyed by (event type, channel,
// language)
type Template struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	EventType string    `json:"eventType"`
	Channel   Channel   `json:"channel"`
	Language  string    `json:"language"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultLanguage is the template fallback when no localized variant exists
const DefaultLanguage = "en"

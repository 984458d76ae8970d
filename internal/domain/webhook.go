package domain

import (
	"encoding/json"
	"time"
)

// WebhookSource identifies the external system posting to the ingress
type WebhookSource string

const (
	WebhookSourcePayment  WebhookSource = "payment"
	WebhookSourceDelivery WebhookSource = "delivery"
	WebhookSourcePartner  WebhookSource = "partner"
)

// IsValid checks if the source is a known WebhookSource
func (s WebhookSource) IsValid() bool {
	return s == WebhookSourcePayment || s == WebhookSourceDelivery || s == WebhookSourcePartner
}

// WebhookEvent is the dedup record for one received webhook. The unique key
// over (TenantID, Source, ExternalEventID) absorbs provider redeliveries.
type WebhookEvent struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	Source          WebhookSource   `json:"source"`
	ExternalEventID string          `json:"externalEventId"`
	EventType       string          `json:"eventType"`
	Payload         json.RawMessage `json:"payload"`
	ReceivedAt      time.Time       `json:"receivedAt"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	ProcessError    string          `json:"processError,omitempty"`
}

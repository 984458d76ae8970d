package payment

import (
	"context"
	"errors"
)

// IntentStatus is the gateway-side state of a payment intent
type IntentStatus string

const (
	IntentStatusRequiresAction IntentStatus = "requires_action"
	IntentStatusProcessing     IntentStatus = "processing"
	IntentStatusSucceeded      IntentStatus = "succeeded"
	IntentStatusCanceled       IntentStatus = "canceled"
)

// ErrIntentNotFound is returned when the gateway does not know the intent
var ErrIntentNotFound = errors.New("payment intent not found")

// IntentRequest asks the gateway to authorize a charge. Amounts are in the
// currency's minor unit throughout.
type IntentRequest struct {
	TenantID    string
	BookingID   string
	AmountMinor int64
	Currency    string
	Description string
	Metadata    map[string]string
}

// Intent is the gateway's view of an authorization
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	AmountMinor  int64
	Currency     string
}

// RefundRequest returns money against a captured intent
type RefundRequest struct {
	IntentID    string
	AmountMinor int64
	Reason      string
}

// Refund is the gateway's refund record
type Refund struct {
	ID     string
	Status string
}

// Gateway abstracts the payment service provider. Capture confirmation
// arrives asynchronously through the payment webhook, never inline.
type Gateway interface {
	Name() string
	CreateIntent(ctx context.Context, req *IntentRequest) (*Intent, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
	CancelIntent(ctx context.Context, id string) error
	Refund(ctx context.Context, req *RefundRequest) (*Refund, error)
}

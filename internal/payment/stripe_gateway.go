package payment

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
)

// StripeConfig holds Stripe gateway settings
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// StripeGateway implements Gateway using Stripe payment intents
type StripeGateway struct {
	cfg *StripeConfig
}

// NewStripeGateway creates a Stripe gateway
func NewStripeGateway(cfg *StripeConfig) (*StripeGateway, error) {
	if cfg == nil || cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	stripe.Key = cfg.SecretKey
	return &StripeGateway{cfg: cfg}, nil
}

func (g *StripeGateway) Name() string { return "stripe" }

// CreateIntent authorizes a charge. The client completes it with the
// returned secret; capture confirmation lands on the payment webhook.
func (g *StripeGateway) CreateIntent(ctx context.Context, req *IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: map[string]string{
			"tenant_id":  req.TenantID,
			"booking_id": req.BookingID,
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	return fromStripeIntent(pi), nil
}

// GetIntent fetches the current intent state
func (g *StripeGateway) GetIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return fromStripeIntent(pi), nil
}

// CancelIntent voids an uncaptured authorization
func (g *StripeGateway) CancelIntent(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := paymentintent.Cancel(id, params); err != nil {
		return fmt.Errorf("failed to cancel payment intent: %w", err)
	}
	return nil
}

// Refund returns money against a captured intent
func (g *StripeGateway) Refund(ctx context.Context, req *RefundRequest) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
		Amount:        stripe.Int64(req.AmountMinor),
	}
	params.Context = ctx
	if req.Reason != "" {
		params.Reason = stripe.String(req.Reason)
	}

	r, err := refund.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create refund: %w", err)
	}
	return &Refund{ID: r.ID, Status: string(r.Status)}, nil
}

func fromStripeIntent(pi *stripe.PaymentIntent) *Intent {
	status := IntentStatusProcessing
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = IntentStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = IntentStatusCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresAction:
		status = IntentStatusRequiresAction
	}
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       status,
		AmountMinor:  pi.Amount,
		Currency:     string(pi.Currency),
	}
}

var _ Gateway = (*StripeGateway)(nil)

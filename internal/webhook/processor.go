package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/logger"
	"github.com/wer-inc/ripipi/pkg/retry"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// BookingService is the slice of the booking coordinator the payment routes
// drive.
type BookingService interface {
	ConfirmPayment(ctx context.Context, tenantID, bookingID, paymentID string) error
	FailPayment(ctx context.Context, tenantID, bookingID, failureCode string) error
	RefundApplied(ctx context.Context, tenantID, bookingID string, amountMinor int64) error
}

// Config tunes the ingress processor.
type Config struct {
	// ProcessTimeout bounds one routing pass; the dedup record outlives it
	ProcessTimeout time.Duration
	// RetryBackoffBase and RetryBackoffMax schedule the next attempt for a
	// dispatch the delivery provider reports as deferred
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProcessTimeout:   5 * time.Second,
		RetryBackoffBase: 30 * time.Second,
		RetryBackoffMax:  5 * time.Minute,
	}
}

// Result is what the ingress endpoint returns to the provider. A redelivered
// event comes back Received without Processed so the provider stops retrying.
type Result struct {
	EventID   string `json:"eventId,omitempty"`
	Received  bool   `json:"received"`
	Processed bool   `json:"processed"`
}

// Processor dedups and routes verified webhook events. Routing failures are
// recorded on the event row rather than surfaced to the provider: the dedup
// key already absorbs its redeliveries, so a retry could never run the route
// again anyway.
type Processor struct {
	webhooks   repository.WebhookRepository
	dispatches repository.DispatchRepository
	bookings   BookingService
	clock      clock.Clock
	cfg        Config
	log        *logger.Logger
}

func NewProcessor(
	webhooks repository.WebhookRepository,
	dispatches repository.DispatchRepository,
	bookings BookingService,
	clk clock.Clock,
	cfg Config,
) *Processor {
	if clk == nil {
		clk = clock.System()
	}
	def := DefaultConfig()
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = def.ProcessTimeout
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = def.RetryBackoffBase
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = def.RetryBackoffMax
	}
	return &Processor{
		webhooks:   webhooks,
		dispatches: dispatches,
		bookings:   bookings,
		clock:      clk,
		cfg:        cfg,
		log:        logger.Get().Named("webhook"),
	}
}

// envelope is the source-independent part of every payload
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Process records and routes one verified event body. The error return
// covers malformed payloads only; a routing failure yields a Result with
// Processed false and the cause persisted on the event.
func (p *Processor) Process(ctx context.Context, tenantID string, source domain.WebhookSource, body []byte) (*Result, error) {
	ctx, span := telemetry.Start(ctx, "webhook.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("source", string(source)),
	)

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed payload")
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, errors.New("webhook payload missing event id or type")
	}

	evt := &domain.WebhookEvent{
		ID:              clock.NewID(),
		TenantID:        tenantID,
		Source:          source,
		ExternalEventID: env.ID,
		EventType:       env.Type,
		Payload:         body,
		ReceivedAt:      p.clock.Now(),
	}
	if err := p.webhooks.Insert(ctx, evt); err != nil {
		if errors.Is(err, domain.ErrWebhookDuplicate) {
			span.SetStatus(codes.Ok, "")
			return &Result{Received: true, Processed: false}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, err
	}

	routeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	routeErr := p.route(routeCtx, evt)
	cancel()

	errStr := ""
	if routeErr != nil {
		errStr = routeErr.Error()
		p.log.WarnContext(ctx, "webhook route failed",
			"source", string(source), "event_type", env.Type,
			"external_event_id", env.ID, "error", routeErr)
	}
	if err := p.webhooks.MarkProcessed(ctx, evt.ID, errStr, p.clock.Now()); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return &Result{EventID: evt.ID, Received: true, Processed: routeErr == nil}, nil
}

func (p *Processor) route(ctx context.Context, evt *domain.WebhookEvent) error {
	switch evt.Source {
	case domain.WebhookSourcePayment:
		return p.routePayment(ctx, evt)
	case domain.WebhookSourceDelivery:
		return p.routeDelivery(ctx, evt)
	default:
		// partner events are recorded for audit only
		p.log.InfoContext(ctx, "webhook event recorded without route",
			"source", string(evt.Source), "event_type", evt.EventType)
		return nil
	}
}

// paymentEvent mirrors the provider's event shape: the intent or charge
// object nested under data, carrying our correlation ids in its metadata
type paymentEvent struct {
	Data struct {
		Object struct {
			ID               string            `json:"id"`
			Amount           int64             `json:"amount"`
			AmountRefunded   int64             `json:"amount_refunded"`
			Metadata         map[string]string `json:"metadata"`
			LastPaymentError *struct {
				Code string `json:"code"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

func (p *Processor) routePayment(ctx context.Context, evt *domain.WebhookEvent) error {
	var pe paymentEvent
	if err := json.Unmarshal(evt.Payload, &pe); err != nil {
		return fmt.Errorf("decode payment event: %w", err)
	}
	obj := pe.Data.Object
	bookingID := obj.Metadata["booking_id"]

	switch evt.EventType {
	case "payment_intent.succeeded":
		if bookingID == "" {
			return errors.New("payment event missing booking_id metadata")
		}
		err := p.bookings.ConfirmPayment(ctx, evt.TenantID, bookingID, obj.ID)
		if errors.Is(err, domain.ErrBookingExpired) {
			// capture landed after the hold was released; the charge has to
			// go back to the customer
			p.log.WarnContext(ctx, "capture arrived after hold expiry, refund required",
				"booking_id", bookingID, "payment_id", obj.ID)
			return err
		}
		return err

	case "payment_intent.payment_failed":
		if bookingID == "" {
			return errors.New("payment event missing booking_id metadata")
		}
		code := "payment_failed"
		if obj.LastPaymentError != nil && obj.LastPaymentError.Code != "" {
			code = obj.LastPaymentError.Code
		}
		return p.bookings.FailPayment(ctx, evt.TenantID, bookingID, code)

	case "payment_intent.canceled":
		if bookingID == "" {
			return errors.New("payment event missing booking_id metadata")
		}
		return p.bookings.FailPayment(ctx, evt.TenantID, bookingID, "intent_canceled")

	case "charge.refunded":
		if bookingID == "" {
			return errors.New("payment event missing booking_id metadata")
		}
		return p.bookings.RefundApplied(ctx, evt.TenantID, bookingID, obj.AmountRefunded)

	default:
		p.log.Debug("unhandled payment event acknowledged",
			"event_type", evt.EventType)
		return nil
	}
}

// deliveryEvent is the delivery provider's status callback, correlated to a
// dispatch through the provider message id we stored on accept
type deliveryEvent struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
}

func (p *Processor) routeDelivery(ctx context.Context, evt *domain.WebhookEvent) error {
	var de deliveryEvent
	if err := json.Unmarshal(evt.Payload, &de); err != nil {
		return fmt.Errorf("decode delivery event: %w", err)
	}
	if de.MessageID == "" {
		return errors.New("delivery event missing messageId")
	}

	d, err := p.dispatches.GetByExternalID(ctx, evt.TenantID, de.MessageID)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("no dispatch for message %s", de.MessageID)
	}

	now := p.clock.Now()
	switch de.Status {
	case "delivered":
		return p.dispatches.MarkDelivered(ctx, d.ID, de.MessageID, now)
	case "bounced", "failed":
		return p.dispatches.MarkFailed(ctx, d.ID, deliveryReason(de), now)
	case "deferred":
		if d.Attempts >= domain.MaxDispatchAttempts {
			return p.dispatches.MarkFailed(ctx, d.ID, deliveryReason(de), now)
		}
		next := now.Add(retry.Backoff(p.cfg.RetryBackoffBase, p.cfg.RetryBackoffMax, d.Attempts+1))
		return p.dispatches.MarkRetrying(ctx, d.ID, deliveryReason(de), next, domain.MaxDispatchAttempts)
	default:
		p.log.Debug("unhandled delivery status acknowledged",
			"status", de.Status, "message_id", de.MessageID)
		return nil
	}
}

func deliveryReason(de deliveryEvent) string {
	if de.Reason != "" {
		return de.Reason
	}
	return "provider reported " + de.Status
}

package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// Planner turns an outbox event into the dispatch rows it should produce,
// one per (channel, recipient) the event reaches. The outbox relay calls
// it during fan-out.
type Planner struct {
	refs     repository.ReferenceRepository
	bookings repository.BookingRepository
	clock    clock.Clock
}

// NewPlanner creates a dispatch planner
func NewPlanner(refs repository.ReferenceRepository, bookings repository.BookingRepository, clk clock.Clock) *Planner {
	if clk == nil {
		clk = clock.System()
	}
	return &Planner{refs: refs, bookings: bookings, clock: clk}
}

// Plan builds the dispatches for one event. Events that reach no customer,
// like timeslot.depleted, plan nothing and ride Kafka only.
func (p *Planner) Plan(ctx context.Context, evt *domain.OutboxEvent) ([]*domain.NotificationDispatch, error) {
	ctx, span := telemetry.Start(ctx, "notification.plan")
	defer span.End()

	span.SetAttributes(
		attribute.String("event_id", evt.ID),
		attribute.String("event_type", evt.EventType),
	)

	customerID, err := p.resolveCustomer(ctx, evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if customerID == "" {
		span.SetStatus(codes.Ok, "")
		return nil, nil
	}

	customer, err := p.refs.GetCustomer(ctx, evt.TenantID, customerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}

	prefs, err := p.refs.ListPreferences(ctx, evt.TenantID, customerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	byChannel := make(map[domain.Channel]*domain.NotificationPreference, len(prefs))
	for _, pref := range prefs {
		byChannel[pref.Channel] = pref
	}

	language := customer.Language
	if language == "" {
		language = domain.DefaultLanguage
	}
	priority := domain.PriorityFor(evt.EventType)
	now := p.clock.Now()

	var dispatches []*domain.NotificationDispatch
	for _, channel := range domain.AllChannels {
		recipient := recipientFor(channel, customer, byChannel[channel])
		if recipient == "" || !channelEnabled(channel, byChannel[channel]) {
			continue
		}
		dispatches = append(dispatches, &domain.NotificationDispatch{
			ID:            clock.NewID(),
			TenantID:      evt.TenantID,
			OutboxEventID: evt.ID,
			EventType:     evt.EventType,
			Channel:       channel,
			RecipientID:   customerID,
			Recipient:     recipient,
			Language:      language,
			Priority:      priority,
			Status:        domain.DispatchStatusPending,
			NextAttemptAt: now,
			Payload:       evt.Payload,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	span.SetAttributes(attribute.Int("dispatches", len(dispatches)))
	span.SetStatus(codes.Ok, "")
	return dispatches, nil
}

// resolveCustomer extracts the customer an event concerns, following the
// booking for payment events whose payload carries only the booking id
func (p *Planner) resolveCustomer(ctx context.Context, evt *domain.OutboxEvent) (string, error) {
	switch evt.EventType {
	case domain.EventBookingConfirmed, domain.EventBookingCancelled, domain.EventBookingExpired,
		domain.EventBookingRescheduled, domain.EventBookingReminder:
		var payload domain.BookingEventPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return "", fmt.Errorf("failed to decode booking payload: %w", err)
		}
		return payload.CustomerID, nil
	case domain.EventPaymentCaptured, domain.EventPaymentFailed:
		var payload domain.PaymentEventPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return "", fmt.Errorf("failed to decode payment payload: %w", err)
		}
		booking, err := p.bookings.GetByID(ctx, evt.TenantID, payload.BookingID)
		if err != nil {
			return "", fmt.Errorf("failed to load booking for payment event: %w", err)
		}
		return booking.CustomerID, nil
	default:
		return "", nil
	}
}

// channelEnabled applies the opt-in rules: email is on unless switched off,
// every other channel needs an explicit preference row
func channelEnabled(channel domain.Channel, pref *domain.NotificationPreference) bool {
	if pref != nil {
		return pref.Enabled
	}
	return channel == domain.ChannelEmail
}

// recipientFor picks the delivery address, preferring a per-channel override
func recipientFor(channel domain.Channel, customer *domain.Customer, pref *domain.NotificationPreference) string {
	if pref != nil && pref.Address != "" {
		return pref.Address
	}
	switch channel {
	case domain.ChannelEmail:
		return customer.Email
	case domain.ChannelSMS:
		return customer.Phone
	case domain.ChannelPush:
		return customer.PushToken
	case domain.ChannelLine:
		return customer.LineID
	default:
		// webhook endpoints only come from a preference row
		return ""
	}
}

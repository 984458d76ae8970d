package notification

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository/memory"
	"github.com/wer-inc/ripipi/pkg/clock"
)

var plannerNow = time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

func seedRefs() *memory.ReferenceRepository {
	refs := memory.NewReferenceRepository()
	refs.Customers["t1/cus-1"] = &domain.Customer{
		ID:       "cus-1",
		TenantID: "t1",
		Name:     "Aoi",
		Email:    "aoi@example.com",
		Phone:    "+81901234567",
		Language: "ja",
	}
	return refs
}

func bookingEvent(t *testing.T) *domain.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(domain.BookingEventPayload{
		BookingID:  "bk-1",
		TenantID:   "t1",
		CustomerID: "cus-1",
		Status:     domain.BookingStatusConfirmed,
		OccurredAt: plannerNow,
	})
	require.NoError(t, err)
	return &domain.OutboxEvent{
		ID:            "evt-1",
		TenantID:      "t1",
		AggregateType: "booking",
		AggregateID:   "bk-1",
		EventType:     domain.EventBookingConfirmed,
		Payload:       payload,
	}
}

func TestPlanDefaultsToEmailOnly(t *testing.T) {
	refs := seedRefs()
	p := NewPlanner(refs, memory.NewBookingRepository(), clock.NewFrozen(plannerNow))

	dispatches, err := p.Plan(context.Background(), bookingEvent(t))
	require.NoError(t, err)
	require.Len(t, dispatches, 1)

	d := dispatches[0]
	assert.Equal(t, domain.ChannelEmail, d.Channel)
	assert.Equal(t, "aoi@example.com", d.Recipient)
	assert.Equal(t, "cus-1", d.RecipientID)
	assert.Equal(t, "ja", d.Language)
	assert.Equal(t, domain.PriorityNormal, d.Priority)
	assert.Equal(t, domain.DispatchStatusPending, d.Status)
}

func TestPlanHonorsPreferences(t *testing.T) {
	refs := seedRefs()
	refs.Preferences["t1/cus-1"] = []*domain.NotificationPreference{
		{TenantID: "t1", CustomerID: "cus-1", Channel: domain.ChannelEmail, Enabled: false},
		{TenantID: "t1", CustomerID: "cus-1", Channel: domain.ChannelSMS, Enabled: true},
		{TenantID: "t1", CustomerID: "cus-1", Channel: domain.ChannelWebhook, Enabled: true,
			Address: "https://partner.example.com/hooks"},
	}
	p := NewPlanner(refs, memory.NewBookingRepository(), clock.NewFrozen(plannerNow))

	dispatches, err := p.Plan(context.Background(), bookingEvent(t))
	require.NoError(t, err)
	require.Len(t, dispatches, 2)

	channels := map[domain.Channel]string{}
	for _, d := range dispatches {
		channels[d.Channel] = d.Recipient
	}
	assert.NotContains(t, channels, domain.ChannelEmail)
	assert.Equal(t, "+81901234567", channels[domain.ChannelSMS])
	assert.Equal(t, "https://partner.example.com/hooks", channels[domain.ChannelWebhook])
}

func TestPlanSkipsChannelsWithoutAddress(t *testing.T) {
	refs := seedRefs()
	refs.Preferences["t1/cus-1"] = []*domain.NotificationPreference{
		// LINE enabled but the customer has no LINE id on file
		{TenantID: "t1", CustomerID: "cus-1", Channel: domain.ChannelLine, Enabled: true},
	}
	p := NewPlanner(refs, memory.NewBookingRepository(), clock.NewFrozen(plannerNow))

	dispatches, err := p.Plan(context.Background(), bookingEvent(t))
	require.NoError(t, err)
	require.Len(t, dispatches, 1)
	assert.Equal(t, domain.ChannelEmail, dispatches[0].Channel)
}

func TestPlanCancellationIsHighPriority(t *testing.T) {
	refs := seedRefs()
	evt := bookingEvent(t)
	evt.EventType = domain.EventBookingCancelled

	p := NewPlanner(refs, memory.NewBookingRepository(), clock.NewFrozen(plannerNow))
	dispatches, err := p.Plan(context.Background(), evt)
	require.NoError(t, err)
	require.Len(t, dispatches, 1)
	assert.Equal(t, domain.PriorityHigh, dispatches[0].Priority)
}

func TestPlanPaymentEventFollowsBooking(t *testing.T) {
	refs := seedRefs()
	bookings := memory.NewBookingRepository()
	require.NoError(t, bookings.Create(context.Background(), nil, &domain.Booking{
		ID:         "bk-1",
		TenantID:   "t1",
		CustomerID: "cus-1",
		Status:     domain.BookingStatusConfirmed,
	}))

	payload, err := json.Marshal(domain.PaymentEventPayload{
		PaymentID:   "pay-1",
		BookingID:   "bk-1",
		TenantID:    "t1",
		AmountMinor: 5000,
		Currency:    "JPY",
		OccurredAt:  plannerNow,
	})
	require.NoError(t, err)

	p := NewPlanner(refs, bookings, clock.NewFrozen(plannerNow))
	dispatches, err := p.Plan(context.Background(), &domain.OutboxEvent{
		ID:            "evt-2",
		TenantID:      "t1",
		AggregateType: "payment",
		AggregateID:   "pay-1",
		EventType:     domain.EventPaymentCaptured,
		Payload:       payload,
	})
	require.NoError(t, err)
	require.Len(t, dispatches, 1)
	assert.Equal(t, "cus-1", dispatches[0].RecipientID)
}

func TestPlanOpsEventReachesNobody(t *testing.T) {
	refs := seedRefs()
	p := NewPlanner(refs, memory.NewBookingRepository(), clock.NewFrozen(plannerNow))

	dispatches, err := p.Plan(context.Background(), &domain.OutboxEvent{
		ID:            "evt-3",
		TenantID:      "t1",
		AggregateType: "timeslot",
		AggregateID:   "ts-1",
		EventType:     domain.EventTimeslotDepleted,
		Payload:       []byte(`{"timeslotId":"ts-1"}`),
	})
	require.NoError(t, err)
	assert.Empty(t, dispatches)
}

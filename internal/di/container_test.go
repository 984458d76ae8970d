package di

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wer-inc/ripipi/internal/booking"
	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/payment"
	"github.com/wer-inc/ripipi/internal/repository/memory"
	"github.com/wer-inc/ripipi/internal/saga"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/config"
	"github.com/wer-inc/ripipi/pkg/database"
)

type nopTxRunner struct{}

func (nopTxRunner) WithTx(ctx context.Context, _ pgx.TxOptions, fn database.TxFunc) error {
	return fn(ctx, nil)
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "ripipi", Environment: "test"},
		Deadlock: config.DeadlockConfig{
			MaxRetries: 3,
			Backoff:    time.Millisecond,
		},
		Tentative:   config.TentativeConfig{TimeoutMinutes: 15},
		Idempotency: config.IdempotencyConfig{DefaultExpirationMinutes: 1440, SweepBatchSize: 100, StaleProcessingAfter: 10 * time.Minute},
		Webhook:     config.WebhookConfig{ToleranceWindow: 5 * time.Minute, ProcessTimeout: 5 * time.Second},
	}
}

func TestNewContainerWiresComponents(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	c, err := NewContainer(&ContainerConfig{
		Config:     testConfig(),
		Clock:      clock.NewFrozen(now),
		Tx:         nopTxRunner{},
		Bookings:   memory.NewBookingRepository(),
		Slots:      memory.NewTimeslotRepository(),
		Refs:       memory.NewReferenceRepository(),
		Idem:       memory.NewIdempotencyRepository(),
		Outbox:     memory.NewOutboxRepository(),
		Dispatches: memory.NewDispatchRepository(),
		Webhooks:   memory.NewWebhookRepository(),
		Gateway:    payment.NewMockGateway(),
		SagaStore:  saga.NewMemoryStore(),
	})
	require.NoError(t, err)

	assert.NotNil(t, c.Coordinator)
	assert.NotNil(t, c.Inventory)
	assert.NotNil(t, c.Generator)
	assert.NotNil(t, c.Validator)
	assert.NotNil(t, c.IdemStore)
	assert.NotNil(t, c.OutboxWriter)
	assert.NotNil(t, c.Verifier)
	assert.NotNil(t, c.Processor)
	assert.NotNil(t, c.Handlers.Availability)
	assert.NotNil(t, c.Handlers.Bookings)
	assert.NotNil(t, c.Handlers.Webhooks)
	assert.NotNil(t, c.Handlers.Health)
}

func TestContainerServesBookingsEndToEnd(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFrozen(now)
	refs := memory.NewReferenceRepository()
	slots := memory.NewTimeslotRepository()

	refs.Policies["t1"] = &domain.TenantPolicy{
		TenantID:           "t1",
		MaxAdvanceDays:     90,
		CancelWindowHours:  24,
		RefundPolicy:       domain.RefundPolicyFull,
		GranularityMinutes: 15,
		Timezone:           "UTC",
	}
	refs.Services["t1/svc-1"] = &domain.Service{
		ID: "svc-1", TenantID: "t1", Name: "Cut",
		DurationMinutes: 30, Active: true, Currency: "JPY",
	}
	refs.Resources["t1/res-1"] = &domain.Resource{
		ID: "res-1", TenantID: "t1", Name: "Chair 1",
		Capacity: 2, Active: true, Timezone: "UTC",
	}
	refs.Customers["t1/cust-1"] = &domain.Customer{
		ID: "cust-1", TenantID: "t1", Name: "Aiko", Language: "ja",
	}
	start := now.Add(48 * time.Hour)
	slots.Put(&domain.Timeslot{
		ID: "ts-1", TenantID: "t1", ResourceID: "res-1",
		StartAt: start, EndAt: start.Add(30 * time.Minute),
		TotalCapacity: 2, Version: 1,
	})

	c, err := NewContainer(&ContainerConfig{
		Config:     testConfig(),
		Clock:      clk,
		Tx:         nopTxRunner{},
		Bookings:   memory.NewBookingRepository(),
		Slots:      slots,
		Refs:       refs,
		Idem:       memory.NewIdempotencyRepository(),
		Outbox:     memory.NewOutboxRepository(),
		Dispatches: memory.NewDispatchRepository(),
		Webhooks:   memory.NewWebhookRepository(),
		Gateway:    payment.NewMockGateway(),
		SagaStore:  saga.NewMemoryStore(),
	})
	require.NoError(t, err)

	res, err := c.Coordinator.Confirm(context.Background(), &booking.ConfirmRequest{
		TenantID:   "t1",
		CustomerID: "cust-1",
		ServiceID:  "svc-1",
		ResourceID: "res-1",
		StartAt:    start,
		EndAt:      start.Add(30 * time.Minute),
		Slots: []domain.SlotRef{
			{ResourceID: "res-1", TimeslotID: "ts-1", Quantity: 1},
		},
		Currency:       "JPY",
		IdempotencyKey: "di-key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusConfirmed, res.Booking.Status)
}

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository/memory"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/kafka"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []*kafka.Message
	failures int
}

func (p *fakePublisher) Produce(ctx context.Context, msg *kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) published() []*kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*kafka.Message(nil), p.messages...)
}

type fakeFanOut struct {
	plans map[string][]*domain.NotificationDispatch
	err   error
}

func (f *fakeFanOut) Plan(ctx context.Context, evt *domain.OutboxEvent) ([]*domain.NotificationDispatch, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.plans[evt.ID], nil
}

func seedEvent(t *testing.T, repo *memory.OutboxRepository, id string, now time.Time) *domain.OutboxEvent {
	t.Helper()
	evt := &domain.OutboxEvent{
		ID:            id,
		TenantID:      "t1",
		AggregateType: "booking",
		AggregateID:   "bk-" + id,
		EventType:     domain.EventBookingConfirmed,
		Payload:       []byte(`{"bookingId":"bk-` + id + `"}`),
		Status:        domain.OutboxStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	require.NoError(t, repo.CreateTx(context.Background(), nil, evt))
	return evt
}

func newTestRelay(events *memory.OutboxRepository, dispatches *memory.DispatchRepository, pub Publisher, fanout FanOut, clk clock.Clock) *Relay {
	cfg := DefaultRelayConfig()
	cfg.Claimant = "relay-test"
	cfg.Topic = "reservation.events"
	return NewRelay(events, dispatches, pub, fanout, cfg, clk)
}

func TestProcessOncePublishesAndFansOut(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFrozen(now)
	events := memory.NewOutboxRepository()
	dispatches := memory.NewDispatchRepository()
	pub := &fakePublisher{}

	evt := seedEvent(t, events, "evt-1", now)
	fanout := &fakeFanOut{plans: map[string][]*domain.NotificationDispatch{
		"evt-1": {
			{
				ID:            clock.NewID(),
				TenantID:      "t1",
				OutboxEventID: "evt-1",
				EventType:     evt.EventType,
				Channel:       domain.ChannelEmail,
				RecipientID:   "cus-1",
				Recipient:     "a@example.com",
				Status:        domain.DispatchStatusPending,
				NextAttemptAt: now,
				CreatedAt:     now,
				UpdatedAt:     now,
			},
		},
	}}

	relay := newTestRelay(events, dispatches, pub, fanout, clk)
	handled, err := relay.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	msgs := pub.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "reservation.events", msgs[0].Topic)
	assert.Equal(t, []byte("bk-evt-1"), msgs[0].Key)
	assert.Equal(t, "evt-1", msgs[0].Headers["event_id"])
	assert.Equal(t, domain.EventBookingConfirmed, msgs[0].Headers["event_type"])
	assert.Equal(t, "t1", msgs[0].Headers["tenant_id"])

	stored, err := events.GetByID(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStatusPublished, stored.Status)
	require.NotNil(t, stored.PublishedAt)

	assert.Len(t, dispatches.All(), 1)
}

func TestProcessOnceReschedulesOnPublishFailure(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFrozen(now)
	events := memory.NewOutboxRepository()
	pub := &fakePublisher{failures: 1}

	seedEvent(t, events, "evt-1", now)
	relay := newTestRelay(events, memory.NewDispatchRepository(), pub, &fakeFanOut{}, clk)

	handled, err := relay.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	stored, err := events.GetByID(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.True(t, stored.NextAttemptAt.After(now))
	assert.Contains(t, stored.LastError, "broker unavailable")

	// not due yet, so an immediate second poll claims nothing
	handled, err = relay.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, handled)

	// once the backoff elapses the event goes through
	clk.Advance(2 * time.Hour)
	handled, err = relay.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	stored, err = events.GetByID(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStatusPublished, stored.Status)
}

func TestProcessOnceDeadlettersAfterMaxAttempts(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFrozen(now)
	events := memory.NewOutboxRepository()
	pub := &fakePublisher{failures: domain.MaxOutboxAttempts + 1}

	seedEvent(t, events, "evt-1", now)
	relay := newTestRelay(events, memory.NewDispatchRepository(), pub, &fakeFanOut{}, clk)

	for i := 0; i < domain.MaxOutboxAttempts; i++ {
		_, err := relay.ProcessOnce(context.Background())
		require.NoError(t, err)
		clk.Advance(2 * time.Hour)
	}

	stored, err := events.GetByID(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStatusDeadletter, stored.Status)
	assert.Equal(t, domain.MaxOutboxAttempts, stored.Attempts)

	dead, err := events.ListDeadletter(context.Background(), "t1", 10)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestProcessOnceFanOutFailureKeepsEventRetryable(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFrozen(now)
	events := memory.NewOutboxRepository()
	dispatches := memory.NewDispatchRepository()
	pub := &fakePublisher{}

	seedEvent(t, events, "evt-1", now)
	relay := newTestRelay(events, dispatches, pub, &fakeFanOut{err: errors.New("preferences unavailable")}, clk)

	_, err := relay.ProcessOnce(context.Background())
	require.NoError(t, err)

	stored, err := events.GetByID(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStatusPending, stored.Status)
	assert.Empty(t, dispatches.All())
}

func TestProcessOnceRepeatedFanOutDoesNotDuplicateDispatches(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFrozen(now)
	events := memory.NewOutboxRepository()
	dispatches := memory.NewDispatchRepository()

	evt := seedEvent(t, events, "evt-1", now)
	plan := []*domain.NotificationDispatch{
		{
			ID:            clock.NewID(),
			TenantID:      "t1",
			OutboxEventID: evt.ID,
			EventType:     evt.EventType,
			Channel:       domain.ChannelEmail,
			RecipientID:   "cus-1",
			Recipient:     "a@example.com",
			Status:        domain.DispatchStatusPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
	}
	fanout := &fakeFanOut{plans: map[string][]*domain.NotificationDispatch{"evt-1": plan}}

	// the same plan already landed once, as after a crash between fan-out
	// and the published marker
	inserted, err := dispatches.CreateBatch(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	relay := newTestRelay(events, dispatches, &fakePublisher{}, fanout, clk)
	_, err = relay.ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Len(t, dispatches.All(), 1)
}

func TestReleaseStaleClaims(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	events := memory.NewOutboxRepository()

	seedEvent(t, events, "evt-1", now)
	claimed, err := events.ClaimBatch(context.Background(), "crashed-relay", 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	released, err := events.ReleaseStale(context.Background(), now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	reclaimed, err := events.ClaimBatch(context.Background(), "relay-test", 10, now.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Len(t, reclaimed, 1)
}

func TestWriterStampsDefaults(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	events := memory.NewOutboxRepository()
	w := NewWriter(events, clock.NewFrozen(now))

	evt := &domain.OutboxEvent{
		TenantID:      "t1",
		AggregateType: "booking",
		AggregateID:   "bk-1",
		EventType:     domain.EventBookingConfirmed,
		Payload:       []byte(`{}`),
	}
	require.NoError(t, w.Append(context.Background(), nil, evt))

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, domain.OutboxStatusPending, evt.Status)
	assert.Equal(t, now, evt.NextAttemptAt)
	assert.Equal(t, now, evt.CreatedAt)

	assert.Error(t, w.Append(context.Background(), nil, &domain.OutboxEvent{TenantID: "t1"}))
}

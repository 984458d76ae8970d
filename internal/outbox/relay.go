package outbox

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/kafka"
	"github.com/wer-inc/ripipi/pkg/logger"
	"github.com/wer-inc/ripipi/pkg/retry"
)

// Publisher publishes one record to the event bus
type Publisher interface {
	Produce(ctx context.Context, msg *kafka.Message) error
}

// FanOut plans the notification dispatches an event should produce
type FanOut interface {
	Plan(ctx context.Context, evt *domain.OutboxEvent) ([]*domain.NotificationDispatch, error)
}

// RelayConfig contains configuration for the outbox relay
type RelayConfig struct {
	// Claimant identifies this relay instance; claimed rows carry it so
	// stuck claims can be traced to a process
	Claimant string
	// Topic is the Kafka topic events are published to
	Topic string
	// PollInterval is the interval between claim polls
	PollInterval time.Duration
	// BatchSize is the number of events claimed per poll
	BatchSize int
	// BackoffBase and BackoffMax bound the retry schedule for failed events
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// StaleAfter is how long a processing claim may age before the
	// reconciler returns it to pending
	StaleAfter time.Duration
	// ReconcileInterval is the interval between stale-claim sweeps
	ReconcileInterval time.Duration
	// CleanupInterval is the interval between published-row cleanups
	CleanupInterval time.Duration
	// Retention is how long published events are kept
	Retention time.Duration
	// CleanupBatch bounds each cleanup delete
	CleanupBatch int
}

// DefaultRelayConfig returns the relay defaults
func DefaultRelayConfig() *RelayConfig {
	host, _ := os.Hostname()
	return &RelayConfig{
		Claimant:          fmt.Sprintf("relay-%s-%d", host, os.Getpid()),
		Topic:             "reservation.events",
		PollInterval:      500 * time.Millisecond,
		BatchSize:         100,
		BackoffBase:       30 * time.Second,
		BackoffMax:        1 * time.Hour,
		StaleAfter:        5 * time.Minute,
		ReconcileInterval: 1 * time.Minute,
		CleanupInterval:   1 * time.Hour,
		Retention:         7 * 24 * time.Hour,
		CleanupBatch:      1000,
	}
}

// Relay drains the outbox: claims due events, publishes them to Kafka,
// fans them out into notification dispatch rows, and marks the result.
// Failed events are rescheduled with exponential backoff until they
// deadletter.
type Relay struct {
	events     repository.OutboxRepository
	dispatches repository.DispatchRepository
	publisher  Publisher
	fanout     FanOut
	cfg        *RelayConfig
	clock      clock.Clock
	log        *logger.Logger
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewRelay creates an outbox relay
func NewRelay(
	events repository.OutboxRepository,
	dispatches repository.DispatchRepository,
	publisher Publisher,
	fanout FanOut,
	cfg *RelayConfig,
	clk clock.Clock,
) *Relay {
	if cfg == nil {
		cfg = DefaultRelayConfig()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Relay{
		events:     events,
		dispatches: dispatches,
		publisher:  publisher,
		fanout:     fanout,
		cfg:        cfg,
		clock:      clk,
		log:        logger.Get().Named("outbox.relay"),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the poll, reconcile and cleanup loops
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("outbox relay already running")
	}
	r.running = true
	r.mu.Unlock()

	r.log.Info("starting outbox relay", "claimant", r.cfg.Claimant, "topic", r.cfg.Topic)

	r.wg.Add(3)
	go r.pollLoop(ctx)
	go r.reconcileLoop(ctx)
	go r.cleanupLoop(ctx)

	return nil
}

// Stop signals the loops and waits for them to drain
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	r.log.Info("outbox relay stopped")
}

func (r *Relay) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.ProcessOnce(ctx); err != nil {
				r.log.ErrorContext(ctx, "outbox poll failed", "error", err)
			}
		}
	}
}

// ProcessOnce claims and relays one batch. It returns how many events it
// handled so callers can drain until the backlog is empty.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	events, err := r.events.ClaimBatch(ctx, r.cfg.Claimant, r.cfg.BatchSize, r.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox batch: %w", err)
	}

	for _, evt := range events {
		if err := r.relayEvent(ctx, evt); err != nil {
			r.log.ErrorContext(ctx, "failed to relay event",
				"event_id", evt.ID, "event_type", evt.EventType, "attempt", evt.Attempts+1, "error", err)
			next := r.clock.Now().Add(retry.Backoff(r.cfg.BackoffBase, r.cfg.BackoffMax, evt.Attempts+1))
			if markErr := r.events.MarkFailed(ctx, evt.ID, err.Error(), next); markErr != nil {
				r.log.ErrorContext(ctx, "failed to mark event failed", "event_id", evt.ID, "error", markErr)
			}
			continue
		}
		if err := r.events.MarkPublished(ctx, evt.ID, r.clock.Now()); err != nil {
			r.log.ErrorContext(ctx, "failed to mark event published", "event_id", evt.ID, "error", err)
		}
	}

	return len(events), nil
}

// relayEvent publishes to Kafka then plans dispatch rows. A retry after a
// partial failure may republish to Kafka; consumers dedupe on the event id
// and the dispatch unique key absorbs a repeated fan-out.
func (r *Relay) relayEvent(ctx context.Context, evt *domain.OutboxEvent) error {
	msg := &kafka.Message{
		Topic: r.cfg.Topic,
		Key:   []byte(evt.AggregateID),
		Value: evt.Payload,
		Headers: map[string]string{
			"event_id":       evt.ID,
			"event_type":     evt.EventType,
			"aggregate_type": evt.AggregateType,
			"aggregate_id":   evt.AggregateID,
			"tenant_id":      evt.TenantID,
			"content_type":   "application/json",
		},
		Timestamp: r.clock.Now(),
	}
	if err := r.publisher.Produce(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	dispatches, err := r.fanout.Plan(ctx, evt)
	if err != nil {
		return fmt.Errorf("failed to plan dispatches: %w", err)
	}
	if len(dispatches) == 0 {
		return nil
	}

	inserted, err := r.dispatches.CreateBatch(ctx, dispatches)
	if err != nil {
		return fmt.Errorf("failed to create dispatches: %w", err)
	}
	if inserted < int64(len(dispatches)) {
		r.log.InfoContext(ctx, "dispatch fan-out partially deduplicated",
			"event_id", evt.ID, "planned", len(dispatches), "inserted", inserted)
	}
	return nil
}

func (r *Relay) reconcileLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			cutoff := r.clock.Now().Add(-r.cfg.StaleAfter)
			released, err := r.events.ReleaseStale(ctx, cutoff)
			if err != nil {
				r.log.ErrorContext(ctx, "failed to release stale claims", "error", err)
			} else if released > 0 {
				r.log.WarnContext(ctx, "released stale outbox claims", "count", released)
			}
		}
	}
}

func (r *Relay) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			before := r.clock.Now().Add(-r.cfg.Retention)
			deleted, err := r.events.DeletePublishedBefore(ctx, before, r.cfg.CleanupBatch)
			if err != nil {
				r.log.ErrorContext(ctx, "failed to clean up published events", "error", err)
			} else if deleted > 0 {
				r.log.Info("cleaned up published events", "count", deleted)
			}
		}
	}
}

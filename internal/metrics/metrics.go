// Package metrics holds the process-global OpenTelemetry instruments.
// Init is safe to call from every binary; instruments are created once
// and the Record helpers are no-ops until it runs.
package metrics

import (
	"context"
	"sync"

	"github.com/wer-inc/ripipi/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// Booking outcome counters
	BookingsConfirmed *telemetry.Counter
	BookingsTentative *telemetry.Counter
	BookingsCancelled *telemetry.Counter
	BookingsExpired   *telemetry.Counter

	// Pipeline counters
	IdempotentReplays *telemetry.Counter
	CapacityConflicts *telemetry.Counter
	WebhookEvents     *telemetry.Counter

	// Error tracking counters
	ErrorsTotal       *telemetry.Counter
	SlowRequestsTotal *telemetry.Counter

	// Histograms
	RequestDuration *telemetry.Histogram

	// Gauges
	ActiveHolds *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

// Init initializes all reservation metrics
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	var err error

	BookingsConfirmed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_bookings_confirmed_total",
		Description: "Total number of bookings confirmed",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	BookingsTentative, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_bookings_tentative_total",
		Description: "Total number of payment-gated holds placed",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	BookingsCancelled, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_bookings_cancelled_total",
		Description: "Total number of bookings cancelled",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	BookingsExpired, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_bookings_expired_total",
		Description: "Total number of tentative holds expired",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	IdempotentReplays, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_idempotent_replays_total",
		Description: "Total number of requests answered from the idempotency store",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CapacityConflicts, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_capacity_conflicts_total",
		Description: "Total number of booking attempts rejected for capacity",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	WebhookEvents, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_webhook_events_total",
		Description: "Total number of provider webhook events received",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	ErrorsTotal, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_errors_total",
		Description: "Total number of request errors by status class",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SlowRequestsTotal, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "reservation_slow_requests_total",
		Description: "Total number of slow requests (>1s)",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	RequestDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "reservation_request_duration_seconds",
		Description: "HTTP request duration in seconds",
		Unit:        "s",
	}, []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10})
	if err != nil {
		return err
	}

	ActiveHolds, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "reservation_active_holds",
		Description: "Current number of tentative capacity holds",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	return nil
}

// RecordBookingConfirmed records a confirmed booking
func RecordBookingConfirmed(ctx context.Context, tenantID string) {
	if BookingsConfirmed != nil {
		BookingsConfirmed.Inc(ctx, attribute.String("tenant_id", tenantID))
	}
}

// RecordHoldPlaced records a payment-gated tentative hold
func RecordHoldPlaced(ctx context.Context, tenantID string) {
	if BookingsTentative != nil {
		BookingsTentative.Inc(ctx, attribute.String("tenant_id", tenantID))
	}
	if ActiveHolds != nil {
		ActiveHolds.Inc(ctx)
	}
}

// RecordHoldSettled records a hold leaving the tentative state, whether
// confirmed, released or expired
func RecordHoldSettled(ctx context.Context) {
	if ActiveHolds != nil {
		ActiveHolds.Dec(ctx)
	}
}

// RecordBookingCancelled records a cancellation
func RecordBookingCancelled(ctx context.Context, tenantID, reason string) {
	if BookingsCancelled != nil {
		BookingsCancelled.Inc(ctx,
			attribute.String("tenant_id", tenantID),
			attribute.String("reason", reason),
		)
	}
}

// RecordExpirations records a batch of expired tentative holds
func RecordExpirations(ctx context.Context, count int64) {
	if count <= 0 {
		return
	}
	if BookingsExpired != nil {
		BookingsExpired.Add(ctx, count)
	}
	if ActiveHolds != nil {
		ActiveHolds.Add(ctx, -count)
	}
}

// RecordReplay records an idempotent replay
func RecordReplay(ctx context.Context, tenantID string) {
	if IdempotentReplays != nil {
		IdempotentReplays.Inc(ctx, attribute.String("tenant_id", tenantID))
	}
}

// RecordCapacityConflict records a capacity rejection
func RecordCapacityConflict(ctx context.Context, tenantID string) {
	if CapacityConflicts != nil {
		CapacityConflicts.Inc(ctx, attribute.String("tenant_id", tenantID))
	}
}

// RecordWebhookEvent records a received provider event
func RecordWebhookEvent(ctx context.Context, source string, processed bool) {
	if WebhookEvents != nil {
		WebhookEvents.Inc(ctx,
			attribute.String("source", source),
			attribute.Bool("processed", processed),
		)
	}
}

// RecordRequest records one HTTP request observation
func RecordRequest(ctx context.Context, method, route string, status int, seconds float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	}
	if RequestDuration != nil {
		RequestDuration.Record(ctx, seconds, attrs...)
	}
	if status >= 500 && ErrorsTotal != nil {
		ErrorsTotal.Inc(ctx, attrs...)
	}
	if seconds > 1 && SlowRequestsTotal != nil {
		SlowRequestsTotal.Inc(ctx, attrs...)
	}
}

// Package worker hosts the background maintenance loops: tentative-hold
// expiry, idempotency sweeping with stale reconciliation, and retention of
// old timeslots and webhook events.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wer-inc/ripipi/internal/booking"
	"github.com/wer-inc/ripipi/internal/idempotency"
	"github.com/wer-inc/ripipi/internal/metrics"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/logger"
)

// CleanupConfig contains the loop intervals and batch sizes
type CleanupConfig struct {
	// ExpiryInterval is how often due tentative holds are released
	ExpiryInterval time.Duration
	ExpiryBatch    int
	// SweepInterval drives the idempotency sweep and stale reconciliation
	SweepInterval time.Duration
	SweepBatch    int
	// RetentionInterval drives the slow retention pass
	RetentionInterval time.Duration
	RetentionDays     int
	RetentionBatch    int
}

func DefaultCleanupConfig() *CleanupConfig {
	return &CleanupConfig{
		ExpiryInterval:    30 * time.Second,
		ExpiryBatch:       100,
		SweepInterval:     time.Minute,
		SweepBatch:        100,
		RetentionInterval: time.Hour,
		RetentionDays:     30,
		RetentionBatch:    500,
	}
}

// CleanupWorker runs the maintenance loops against one deployment
type CleanupWorker struct {
	coord    *booking.Coordinator
	idem     *idempotency.Store
	slots    repository.TimeslotRepository
	webhooks repository.WebhookRepository
	refs     repository.ReferenceRepository
	cfg      *CleanupConfig
	clock    clock.Clock
	log      *logger.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewCleanupWorker(
	coord *booking.Coordinator,
	idem *idempotency.Store,
	slots repository.TimeslotRepository,
	webhooks repository.WebhookRepository,
	refs repository.ReferenceRepository,
	cfg *CleanupConfig,
	clk clock.Clock,
) *CleanupWorker {
	if cfg == nil {
		cfg = DefaultCleanupConfig()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &CleanupWorker{
		coord:    coord,
		idem:     idem,
		slots:    slots,
		webhooks: webhooks,
		refs:     refs,
		cfg:      cfg,
		clock:    clk,
		log:      logger.Get().Named("worker.cleanup"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the expiry, sweep and retention loops
func (w *CleanupWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("cleanup worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("starting cleanup worker",
		"expiry_interval", w.cfg.ExpiryInterval.String(),
		"sweep_interval", w.cfg.SweepInterval.String(),
		"retention_days", w.cfg.RetentionDays)

	w.wg.Add(3)
	go w.loop(ctx, w.cfg.ExpiryInterval, w.runExpiry)
	go w.loop(ctx, w.cfg.SweepInterval, w.runSweep)
	go w.loop(ctx, w.cfg.RetentionInterval, w.runRetention)

	return nil
}

// Stop signals the loops and waits for them to drain
func (w *CleanupWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("cleanup worker stopped")
}

func (w *CleanupWorker) loop(ctx context.Context, interval time.Duration, task func(context.Context)) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

func (w *CleanupWorker) runExpiry(ctx context.Context) {
	expired, err := w.coord.ExpireDueTentative(ctx, w.cfg.ExpiryBatch)
	if err != nil {
		w.log.ErrorContext(ctx, "tentative expiry pass failed", "error", err)
		return
	}
	if expired > 0 {
		metrics.RecordExpirations(ctx, int64(expired))
		w.log.InfoContext(ctx, "released expired tentative holds", "count", expired)
	}
}

func (w *CleanupWorker) runSweep(ctx context.Context) {
	swept, err := w.idem.Sweep(ctx, w.cfg.SweepBatch)
	if err != nil {
		w.log.ErrorContext(ctx, "idempotency sweep failed", "error", err)
	} else if swept > 0 {
		w.log.InfoContext(ctx, "swept expired idempotency records", "count", swept)
	}

	closed, err := w.coord.ReconcileStaleIdempotency(ctx)
	if err != nil {
		w.log.ErrorContext(ctx, "stale idempotency reconciliation failed", "error", err)
	} else if closed > 0 {
		w.log.InfoContext(ctx, "closed orphaned idempotency records", "count", closed)
	}
}

// runRetention drops timeslots past retention with no bookings left on
// them, and aged webhook dedup rows.
func (w *CleanupWorker) runRetention(ctx context.Context) {
	cutoff := w.clock.Now().AddDate(0, 0, -w.cfg.RetentionDays)

	tenants, err := w.refs.ListTenantIDs(ctx)
	if err != nil {
		w.log.ErrorContext(ctx, "tenant enumeration failed", "error", err)
		return
	}
	for _, tenantID := range tenants {
		deleted, err := w.slots.DeleteEmptyBefore(ctx, tenantID, cutoff, w.cfg.RetentionBatch)
		if err != nil {
			w.log.ErrorContext(ctx, "timeslot retention failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if deleted > 0 {
			w.log.InfoContext(ctx, "deleted retired timeslots", "tenant_id", tenantID, "count", deleted)
		}
	}

	deleted, err := w.webhooks.DeleteBefore(ctx, cutoff, w.cfg.RetentionBatch)
	if err != nil {
		w.log.ErrorContext(ctx, "webhook retention failed", "error", err)
		return
	}
	if deleted > 0 {
		w.log.InfoContext(ctx, "deleted aged webhook events", "count", deleted)
	}
}

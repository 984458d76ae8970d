package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/logger"
	"github.com/wer-inc/ripipi/pkg/retry"
)

// ChannelSettings bounds one channel's worker pool and retry budget
type ChannelSettings struct {
	Concurrency   int
	RatePerMinute int
	// MaxAttempts caps send attempts per dispatch; zero falls back to
	// domain.MaxDispatchAttempts
	MaxAttempts int
	// Backoff overrides the dispatcher-wide BackoffBase for this channel
	Backoff time.Duration
}

// DispatcherConfig contains configuration for the notification dispatcher
type DispatcherConfig struct {
	Channels        map[domain.Channel]ChannelSettings
	PollInterval    time.Duration
	BatchSize       int
	QueueSize       int
	ProviderTimeout time.Duration
	// BackoffBase and BackoffMax bound the retry schedule; retries stay
	// tight because most provider hiccups clear in seconds
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// StaleAfter bounds how long a claim without a provider id may sit in
	// sending before the reconciler reopens it
	StaleAfter        time.Duration
	ReconcileInterval time.Duration
}

// DefaultDispatcherConfig returns the dispatcher defaults
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		Channels: map[domain.Channel]ChannelSettings{
			domain.ChannelEmail:   {Concurrency: 10, RatePerMinute: 600},
			domain.ChannelSMS:     {Concurrency: 3, RatePerMinute: 60},
			domain.ChannelPush:    {Concurrency: 10, RatePerMinute: 1200},
			domain.ChannelLine:    {Concurrency: 5, RatePerMinute: 300},
			domain.ChannelWebhook: {Concurrency: 5, RatePerMinute: 300},
		},
		PollInterval:      1 * time.Second,
		BatchSize:         50,
		QueueSize:         100,
		ProviderTimeout:   10 * time.Second,
		BackoffBase:       15 * time.Second,
		BackoffMax:        5 * time.Minute,
		StaleAfter:        5 * time.Minute,
		ReconcileInterval: 1 * time.Minute,
	}
}

// Dispatcher drains the dispatch queues: one claim loop and worker pool
// per channel, each pool throttled by a token bucket. A dispatch flows
// preference check, quiet hours, template render, provider call, and lands
// in delivered, sending (awaiting callback), retrying, failed or skipped.
type Dispatcher struct {
	dispatches repository.DispatchRepository
	refs       repository.ReferenceRepository
	renderer   *Renderer
	providers  map[domain.Channel]Provider
	cfg        *DispatcherConfig
	clock      clock.Clock
	log        *logger.Logger
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewDispatcher creates a notification dispatcher over the given providers
func NewDispatcher(
	dispatches repository.DispatchRepository,
	refs repository.ReferenceRepository,
	renderer *Renderer,
	providers []Provider,
	cfg *DispatcherConfig,
	clk clock.Clock,
) *Dispatcher {
	if cfg == nil {
		cfg = DefaultDispatcherConfig()
	}
	if clk == nil {
		clk = clock.System()
	}
	byChannel := make(map[domain.Channel]Provider, len(providers))
	for _, p := range providers {
		byChannel[p.Channel()] = p
	}
	return &Dispatcher{
		dispatches: dispatches,
		refs:       refs,
		renderer:   renderer,
		providers:  byChannel,
		cfg:        cfg,
		clock:      clk,
		log:        logger.Get().Named("notify.dispatcher"),
		stopCh:     make(chan struct{}),
	}
}

// Start launches a claim loop and worker pool per configured channel
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	for channel, settings := range d.cfg.Channels {
		provider, ok := d.providers[channel]
		if !ok {
			d.log.Warn("no provider for channel, queue will not drain", "channel", channel.String())
			continue
		}

		jobs := make(chan *domain.NotificationDispatch, d.cfg.QueueSize)
		limiter := rate.NewLimiter(rate.Limit(float64(settings.RatePerMinute)/60.0), settings.Concurrency)

		for i := 0; i < settings.Concurrency; i++ {
			d.wg.Add(1)
			go d.worker(ctx, provider, limiter, jobs)
		}

		d.wg.Add(1)
		go d.claimLoop(ctx, channel, jobs)
	}

	d.wg.Add(1)
	go d.reconcileLoop(ctx)

	d.log.Info("notification dispatcher started", "channels", len(d.cfg.Channels))
	return nil
}

// Stop signals all loops and waits for in-flight sends to finish
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	d.log.Info("notification dispatcher stopped")
}

// claimLoop polls one channel's queue and feeds the worker pool. The jobs
// channel is bounded, so a saturated pool backpressures the claim loop.
func (d *Dispatcher) claimLoop(ctx context.Context, channel domain.Channel, jobs chan<- *domain.NotificationDispatch) {
	defer d.wg.Done()
	defer close(jobs)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			batch, err := d.dispatches.ClaimBatch(ctx, channel, d.cfg.BatchSize, d.clock.Now())
			if err != nil {
				d.log.ErrorContext(ctx, "failed to claim dispatches", "channel", channel.String(), "error", err)
				continue
			}
			for _, job := range batch {
				select {
				case jobs <- job:
				case <-ctx.Done():
					return
				case <-d.stopCh:
					return
				}
			}
		}
	}
}

// reconcileLoop reopens claims stranded by a crashed dispatcher
func (d *Dispatcher) reconcileLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			cutoff := d.clock.Now().Add(-d.cfg.StaleAfter)
			released, err := d.dispatches.ReleaseStale(ctx, cutoff)
			if err != nil {
				d.log.ErrorContext(ctx, "failed to release stale dispatches", "error", err)
			} else if released > 0 {
				d.log.WarnContext(ctx, "released stale dispatch claims", "count", released)
			}
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, provider Provider, limiter *rate.Limiter, jobs <-chan *domain.NotificationDispatch) {
	defer d.wg.Done()

	for job := range jobs {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		d.Process(ctx, provider, job)
	}
}

// Process runs one dispatch end to end. Exported so tests and the webhook
// replay path can push a single dispatch through without the loops.
func (d *Dispatcher) Process(ctx context.Context, provider Provider, job *domain.NotificationDispatch) {
	now := d.clock.Now()

	verdict := d.gate(ctx, job, now)
	switch verdict.action {
	case gateSkip:
		if err := d.dispatches.MarkSkipped(ctx, job.ID, verdict.reason, now); err != nil {
			d.log.ErrorContext(ctx, "failed to mark dispatch skipped", "dispatch_id", job.ID, "error", err)
		}
		return
	case gateDefer:
		if err := d.dispatches.Reschedule(ctx, job.ID, verdict.reason, verdict.resumeAt); err != nil {
			d.log.ErrorContext(ctx, "failed to reschedule dispatch", "dispatch_id", job.ID, "error", err)
		}
		return
	}

	msg, err := d.renderer.Render(ctx, job)
	if err != nil {
		d.fail(ctx, job, fmt.Errorf("render: %w", err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	result, err := provider.Send(sendCtx, job, msg)
	cancel()
	if err != nil {
		d.fail(ctx, job, err)
		return
	}

	switch result.Disposition {
	case DispositionDelivered:
		if err := d.dispatches.MarkDelivered(ctx, job.ID, result.ExternalID, d.clock.Now()); err != nil {
			d.log.ErrorContext(ctx, "failed to mark dispatch delivered", "dispatch_id", job.ID, "error", err)
		}
	case DispositionAccepted:
		if err := d.dispatches.MarkAccepted(ctx, job.ID, result.ExternalID, d.clock.Now()); err != nil {
			d.log.ErrorContext(ctx, "failed to mark dispatch accepted", "dispatch_id", job.ID, "error", err)
		}
	}
}

// fail routes a send error: permanent errors close the dispatch, anything
// else reschedules it with backoff until the attempt ceiling
func (d *Dispatcher) fail(ctx context.Context, job *domain.NotificationDispatch, sendErr error) {
	now := d.clock.Now()
	if retry.IsPermanent(sendErr) {
		d.log.WarnContext(ctx, "dispatch permanently failed",
			"dispatch_id", job.ID, "channel", job.Channel.String(), "error", sendErr)
		if err := d.dispatches.MarkFailed(ctx, job.ID, sendErr.Error(), now); err != nil {
			d.log.ErrorContext(ctx, "failed to mark dispatch failed", "dispatch_id", job.ID, "error", err)
		}
		return
	}

	settings := d.cfg.Channels[job.Channel]
	base := settings.Backoff
	if base <= 0 {
		base = d.cfg.BackoffBase
	}
	next := now.Add(retry.Backoff(base, d.cfg.BackoffMax, job.Attempts+1))
	if err := d.dispatches.MarkRetrying(ctx, job.ID, sendErr.Error(), next, settings.MaxAttempts); err != nil {
		d.log.ErrorContext(ctx, "failed to mark dispatch retrying", "dispatch_id", job.ID, "error", err)
	}
}

type gateAction int

const (
	gateSend gateAction = iota
	gateSkip
	gateDefer
)

type gateVerdict struct {
	action   gateAction
	reason   string
	resumeAt time.Time
}

// gate applies the recipient's current preferences. Opt-outs after fan-out
// still win; a dispatch landing in a quiet window whose suppression covers
// its event type is pushed forward to the window's end instead of dropped.
func (d *Dispatcher) gate(ctx context.Context, job *domain.NotificationDispatch, now time.Time) gateVerdict {
	prefs, err := d.refs.ListPreferences(ctx, job.TenantID, job.RecipientID)
	if err != nil {
		// treat a preference outage as no preferences rather than dropping
		d.log.WarnContext(ctx, "failed to load preferences", "dispatch_id", job.ID, "error", err)
		return gateVerdict{action: gateSend}
	}

	var pref *domain.NotificationPreference
	for _, p := range prefs {
		if p.Channel == job.Channel {
			pref = p
			break
		}
	}
	if pref == nil {
		return gateVerdict{action: gateSend}
	}
	if !pref.Enabled {
		return gateVerdict{action: gateSkip, reason: "channel disabled by recipient"}
	}
	if !pref.TypeEnabled(job.EventType) {
		return gateVerdict{action: gateSkip, reason: "event type disabled by recipient"}
	}

	if pref.QuietAppliesTo(job.EventType) {
		policy, err := d.refs.GetTenantPolicy(ctx, job.TenantID)
		if err != nil {
			return gateVerdict{action: gateSend}
		}
		loc, err := time.LoadLocation(policy.Timezone)
		if err != nil {
			loc = time.UTC
		}
		local := now.In(loc)
		localMinute := local.Hour()*60 + local.Minute()
		if pref.InQuietHours(localMinute) {
			resume := now.Add(time.Duration(pref.MinutesUntilQuietEnd(localMinute)) * time.Minute)
			return gateVerdict{action: gateDefer, reason: "quiet hours", resumeAt: resume}
		}
	}

	return gateVerdict{action: gateSend}
}

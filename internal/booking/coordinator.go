// Package booking is the write-side coordinator for reservations. It strings
// together the idempotency gate, the policy validator, the capacity store and
// the transactional outbox so that one booking request commits atomically or
// not at all.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/idempotency"
	"github.com/wer-inc/ripipi/internal/inventory"
	"github.com/wer-inc/ripipi/internal/outbox"
	"github.com/wer-inc/ripipi/internal/payment"
	"github.com/wer-inc/ripipi/internal/policy"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/internal/saga"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/database"
	"github.com/wer-inc/ripipi/pkg/logger"
	"github.com/wer-inc/ripipi/pkg/retry"
	"github.com/wer-inc/ripipi/pkg/telemetry"
)

// Config tunes the coordinator
type Config struct {
	// MaxAttempts bounds the serialization/deadlock retry loop around the
	// booking transaction
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// TentativeTTL is the capacity hold for payment-gated bookings when the
	// tenant policy does not set its own
	TentativeTTL time.Duration
	// StaleProcessingAfter is how long an idempotency record may sit in
	// processing before the reconciler checks it against committed state
	StaleProcessingAfter time.Duration
	ReconcileBatch       int
}

// DefaultConfig returns the coordinator defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          3,
		BackoffBase:          100 * time.Millisecond,
		BackoffMax:           2 * time.Second,
		TentativeTTL:         15 * time.Minute,
		StaleProcessingAfter: 10 * time.Minute,
		ReconcileBatch:       100,
	}
}

// Deps carries the coordinator's collaborators
type Deps struct {
	Bookings  repository.BookingRepository
	Slots     repository.TimeslotRepository
	Refs      repository.ReferenceRepository
	Inventory *inventory.Store
	Validator *policy.Validator
	Idem      *idempotency.Store
	Outbox    *outbox.Writer
	Payments  payment.Gateway
	Sagas     *saga.Orchestrator
	Tx        inventory.TxRunner
	Clock     clock.Clock
}

// Coordinator owns the booking write pipeline
type Coordinator struct {
	bookings  repository.BookingRepository
	slots     repository.TimeslotRepository
	refs      repository.ReferenceRepository
	inv       *inventory.Store
	validator *policy.Validator
	idem      *idempotency.Store
	outbox    *outbox.Writer
	payments  payment.Gateway
	sagas     *saga.Orchestrator
	tx        inventory.TxRunner
	clock     clock.Clock
	cfg       Config
	log       *logger.Logger
}

// NewCoordinator creates a Coordinator and registers its saga definitions
func NewCoordinator(deps Deps, cfg Config) (*Coordinator, error) {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	c := &Coordinator{
		bookings:  deps.Bookings,
		slots:     deps.Slots,
		refs:      deps.Refs,
		inv:       deps.Inventory,
		validator: deps.Validator,
		idem:      deps.Idem,
		outbox:    deps.Outbox,
		payments:  deps.Payments,
		sagas:     deps.Sagas,
		tx:        deps.Tx,
		clock:     deps.Clock,
		cfg:       cfg,
		log:       logger.Get().Named("booking"),
	}
	if c.sagas != nil {
		if err := c.sagas.Register(c.paymentHoldDefinition()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ConfirmRequest is one booking attempt. IdempotencyKey and Actor are
// transport concerns and stay out of the request fingerprint.
type ConfirmRequest struct {
	TenantID   string           `json:"tenantId"`
	CustomerID string           `json:"customerId"`
	ServiceID  string           `json:"serviceId"`
	ResourceID string           `json:"resourceId"`
	StartAt    time.Time        `json:"startAt"`
	EndAt      time.Time        `json:"endAt"`
	Slots      []domain.SlotRef `json:"slots"`
	TotalMinor int64            `json:"totalMinor"`
	Currency   string           `json:"currency"`

	IdempotencyKey string `json:"-"`
	Actor          string `json:"-"`
	// Meta is the transport envelope folded into the idempotency
	// fingerprint alongside the body
	Meta domain.RequestMeta `json:"-"`
}

// ConfirmResult is the booking outcome stored for idempotent replay
type ConfirmResult struct {
	Booking *domain.Booking `json:"booking"`
	// ClientSecret is set for payment-gated bookings; the client completes
	// the charge against it and the payment webhook finishes the booking
	ClientSecret string                   `json:"clientSecret,omitempty"`
	Validation   *domain.ValidationResult `json:"validation,omitempty"`
	// Suggestions carries alternative windows when capacity turned the
	// request away
	Suggestions []domain.AvailabilityWindow `json:"suggestions,omitempty"`
	Replayed    bool                        `json:"-"`
}

// Confirm runs the booking pipeline: idempotency gate, policy validation,
// then the reserve-and-persist transaction under the conflict retry loop.
// The idempotency record is completed only after the commit, so a replayed
// key always reflects durable state.
func (c *Coordinator) Confirm(ctx context.Context, req *ConfirmRequest) (*ConfirmResult, error) {
	ctx, span := telemetry.Start(ctx, "booking.confirm")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("customer_id", req.CustomerID),
		attribute.Int("slots", len(req.Slots)),
	)

	if len(req.Slots) == 0 {
		return nil, domain.ErrInvalidQuantity
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal booking request: %w", err)
	}
	gate, err := c.idem.Begin(ctx, req.TenantID, req.IdempotencyKey, req.Meta, body)
	if err != nil {
		return nil, err
	}
	if gate.Decision == idempotency.DecisionReplay {
		res := &ConfirmResult{Replayed: true}
		if err := json.Unmarshal(gate.Record.ResponseBody, res); err != nil {
			return nil, fmt.Errorf("failed to decode replayed booking response: %w", err)
		}
		span.SetAttributes(attribute.Bool("replayed", true))
		return res, nil
	}

	res, err := c.confirm(ctx, req)
	if err != nil {
		if failErr := c.idem.Fail(ctx, req.TenantID, req.IdempotencyKey); failErr != nil {
			c.log.WarnContext(ctx, "failed to release idempotency key",
				"key", req.IdempotencyKey, "error", failErr)
		}
		return res, err
	}

	if err := c.idem.Complete(ctx, req.TenantID, req.IdempotencyKey, http.StatusCreated, res); err != nil {
		// the booking is committed; the reconciler closes the record later
		c.log.ErrorContext(ctx, "booking committed but idempotency record not completed",
			"booking_id", res.Booking.ID, "key", req.IdempotencyKey, "error", err)
	}
	return res, nil
}

func (c *Coordinator) confirm(ctx context.Context, req *ConfirmRequest) (*ConfirmResult, error) {
	validation, err := c.validator.Validate(ctx, policy.Request{
		TenantID:   req.TenantID,
		CustomerID: req.CustomerID,
		ServiceID:  req.ServiceID,
		ResourceID: req.ResourceID,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		SlotCount:  len(req.Slots),
		Capacity:   maxQuantity(req.Slots),
	})
	if err != nil {
		return nil, err
	}
	if !validation.OK() {
		// a request turned away only for capacity is a conflict, not a
		// policy rejection; the suggestions attached by the validator ride
		// along either way
		if onlyCapacityErrors(validation) {
			return &ConfirmResult{Validation: validation, Suggestions: validation.Suggestions}, domain.ErrCapacityExceeded
		}
		return &ConfirmResult{Validation: validation}, domain.ErrPolicyRejected
	}

	tenantPolicy, err := c.refs.GetTenantPolicy(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	plan := make([]domain.SlotRef, len(req.Slots))
	copy(plan, req.Slots)
	domain.SortSlotRefs(plan)

	var res *ConfirmResult
	if tenantPolicy.RequirePayment {
		res, err = c.confirmWithPayment(ctx, req, tenantPolicy, plan)
	} else {
		res, err = c.confirmDirect(ctx, req, plan)
	}
	if err != nil {
		if errors.Is(err, domain.ErrCapacityExceeded) || errors.Is(err, domain.ErrVersionMismatch) {
			if suggestions, serr := c.validator.Suggest(ctx, req.TenantID, req.ResourceID,
				req.StartAt, req.EndAt.Sub(req.StartAt)); serr == nil {
				return &ConfirmResult{Suggestions: suggestions}, err
			}
		}
		return nil, err
	}
	res.Validation = validation
	return res, nil
}

func onlyCapacityErrors(v *domain.ValidationResult) bool {
	for _, issue := range v.Errors {
		if issue.Code != policy.CodeCapacityUnavailable {
			return false
		}
	}
	return len(v.Errors) > 0
}

func maxQuantity(refs []domain.SlotRef) int {
	q := 1
	for _, ref := range refs {
		if ref.Quantity > q {
			q = ref.Quantity
		}
	}
	return q
}

func (c *Coordinator) confirmDirect(ctx context.Context, req *ConfirmRequest, plan []domain.SlotRef) (*ConfirmResult, error) {
	booking := c.newBooking(req, domain.BookingStatusConfirmed, nil)
	if err := c.createBooking(ctx, booking, plan, domain.EventBookingConfirmed, req.Actor); err != nil {
		return nil, err
	}
	return &ConfirmResult{Booking: booking}, nil
}

func (c *Coordinator) newBooking(req *ConfirmRequest, status domain.BookingStatus, expiresAt *time.Time) *domain.Booking {
	return &domain.Booking{
		ID:             clock.NewID(),
		TenantID:       req.TenantID,
		CustomerID:     req.CustomerID,
		ServiceID:      req.ServiceID,
		StartAt:        req.StartAt,
		EndAt:          req.EndAt,
		Status:         status,
		TotalMinor:     req.TotalMinor,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
		ExpiresAt:      expiresAt,
	}
}

// createBooking runs the single booking transaction under the conflict retry
// loop: reserve every slot in canonical order, persist the booking and its
// items, append the outbox event and the audit change. A version mismatch
// refreshes the stale fences and retries; serialization failures and
// deadlocks retry with backoff; anything else aborts.
func (c *Coordinator) createBooking(ctx context.Context, booking *domain.Booking, plan []domain.SlotRef, eventType, actor string) error {
	ctx, span := telemetry.Start(ctx, "booking.create_tx")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", booking.ID))

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err := c.tx.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx pgx.Tx) error {
			now := c.clock.Now()
			outcomes, err := c.inv.Reserve(ctx, tx, booking.TenantID, plan)
			if err != nil {
				return err
			}

			booking.CreatedAt = now
			booking.UpdatedAt = now
			booking.Items = make([]*domain.BookingItem, len(plan))
			for i, ref := range plan {
				booking.Items[i] = &domain.BookingItem{
					ID:               clock.NewID(),
					BookingID:        booking.ID,
					TenantID:         booking.TenantID,
					TimeslotID:       ref.TimeslotID,
					ResourceID:       outcomes[i].ResourceID,
					ReservedCapacity: ref.Quantity,
					SlotVersion:      outcomes[i].NewVersion,
					CreatedAt:        now,
				}
			}
			if err := c.bookings.Create(ctx, tx, booking); err != nil {
				return err
			}

			if eventType != "" {
				evt, err := domain.NewBookingEvent(clock.NewID(), eventType, booking, "", plan, now)
				if err != nil {
					return err
				}
				if err := c.outbox.Append(ctx, tx, evt); err != nil {
					return err
				}
			}

			return c.bookings.AppendChange(ctx, tx, &domain.BookingChange{
				ID:        clock.NewID(),
				BookingID: booking.ID,
				TenantID:  booking.TenantID,
				NewStatus: booking.Status,
				NewStart:  &booking.StartAt,
				Actor:     actor,
				CreatedAt: now,
			})
		})
		if err == nil {
			return nil
		}

		switch {
		case errors.Is(err, domain.ErrVersionMismatch):
			if rerr := c.refreshVersions(ctx, booking.TenantID, plan); rerr != nil {
				return rerr
			}
		case database.IsRetryable(err):
		default:
			return err
		}

		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}
		backoff := retry.Backoff(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt)
		c.log.WarnContext(ctx, "retrying booking transaction",
			"booking_id", booking.ID, "attempt", attempt, "backoff", backoff.String())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("booking %s: retries exhausted: %w", booking.ID, lastErr)
}

// refreshVersions re-reads the live version for every fenced slot in the
// plan so the next attempt carries current fences
func (c *Coordinator) refreshVersions(ctx context.Context, tenantID string, plan []domain.SlotRef) error {
	for i := range plan {
		if plan[i].ExpectedVersion == 0 {
			continue
		}
		slot, err := c.slots.GetByID(ctx, tenantID, plan[i].TimeslotID)
		if err != nil {
			return err
		}
		plan[i].ExpectedVersion = slot.Version
	}
	return nil
}

// Get returns a booking with its items
func (c *Coordinator) Get(ctx context.Context, tenantID, id string) (*domain.Booking, error) {
	return c.bookings.GetByID(ctx, tenantID, id)
}

// ListByCustomer returns a customer's bookings, newest first
func (c *Coordinator) ListByCustomer(ctx context.Context, tenantID, customerID string, limit, offset int) ([]*domain.Booking, error) {
	return c.bookings.ListByCustomer(ctx, tenantID, customerID, limit, offset)
}

// ExpireDueTentative releases every tentative booking whose hold window has
// passed, one bounded batch per call. Returns how many bookings were
// expired; failures on individual bookings are logged and skipped so one
// poisoned row cannot stall the sweep.
func (c *Coordinator) ExpireDueTentative(ctx context.Context, batch int) (int, error) {
	ctx, span := telemetry.Start(ctx, "booking.expire_due")
	defer span.End()

	due, err := c.bookings.ListExpiredTentative(ctx, c.clock.Now(), batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, b := range due {
		ok, err := c.ExpireTentative(ctx, b.TenantID, b.ID)
		if err != nil {
			c.log.ErrorContext(ctx, "failed to expire tentative booking",
				"booking_id", b.ID, "tenant_id", b.TenantID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	span.SetAttributes(attribute.Int("expired", expired))
	return expired, nil
}

// ReconcileStaleIdempotency closes idempotency records stranded in
// processing by a crash between commit and mark. A record whose booking
// committed is completed with the persisted state; records without a
// booking are left for their TTL to expire.
func (c *Coordinator) ReconcileStaleIdempotency(ctx context.Context) (int, error) {
	ctx, span := telemetry.Start(ctx, "booking.reconcile_idempotency")
	defer span.End()

	recs, err := c.idem.ListStaleProcessing(ctx, c.cfg.StaleProcessingAfter, c.cfg.ReconcileBatch)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, rec := range recs {
		booking, err := c.bookings.GetByIdempotencyKey(ctx, rec.TenantID, rec.Key)
		if err != nil {
			if errors.Is(err, domain.ErrBookingNotFound) {
				continue
			}
			return closed, err
		}
		res := &ConfirmResult{Booking: booking}
		if err := c.idem.Complete(ctx, rec.TenantID, rec.Key, http.StatusCreated, res); err != nil {
			return closed, err
		}
		c.log.InfoContext(ctx, "reconciled stale idempotency record",
			"tenant_id", rec.TenantID, "key", rec.Key, "booking_id", booking.ID)
		closed++
	}
	span.SetAttributes(attribute.Int("closed", closed))
	return closed, nil
}

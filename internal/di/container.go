// Package di wires the reservation engine's components for the API binary.
// Infrastructure and repository implementations come in through the config
// struct so tests and workers can substitute memory or mock variants.
package di

import (
	"time"

	"github.com/wer-inc/ripipi/internal/booking"
	"github.com/wer-inc/ripipi/internal/cache"
	"github.com/wer-inc/ripipi/internal/handler"
	"github.com/wer-inc/ripipi/internal/idempotency"
	"github.com/wer-inc/ripipi/internal/inventory"
	"github.com/wer-inc/ripipi/internal/outbox"
	"github.com/wer-inc/ripipi/internal/payment"
	"github.com/wer-inc/ripipi/internal/policy"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/internal/saga"
	"github.com/wer-inc/ripipi/internal/webhook"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/config"
	"github.com/wer-inc/ripipi/pkg/database"
	"github.com/wer-inc/ripipi/pkg/redis"
)

// Container holds all dependencies for the reservation API
type Container struct {
	// Infrastructure
	DB    *database.PostgresDB
	Redis *redis.Client

	// Repositories; Refs is the cache-wrapped view components read through
	Bookings   repository.BookingRepository
	Slots      repository.TimeslotRepository
	Refs       repository.ReferenceRepository
	Idem       repository.IdempotencyRepository
	Outbox     repository.OutboxRepository
	Dispatches repository.DispatchRepository
	Webhooks   repository.WebhookRepository

	// Core components
	Tiers        *cache.TwoTier
	Availability *cache.AvailabilityCache
	Inventory    *inventory.Store
	Generator    *inventory.Generator
	Validator    *policy.Validator
	IdemStore    *idempotency.Store
	OutboxWriter *outbox.Writer
	Sagas        *saga.Orchestrator
	Coordinator  *booking.Coordinator
	Verifier     *webhook.Verifier
	Processor    *webhook.Processor

	// Handlers
	Handlers handler.Handlers
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	Config *config.Config
	Clock  clock.Clock

	DB    *database.PostgresDB
	Redis *redis.Client
	Tx    inventory.TxRunner

	Bookings   repository.BookingRepository
	Slots      repository.TimeslotRepository
	Refs       repository.ReferenceRepository
	Idem       repository.IdempotencyRepository
	Outbox     repository.OutboxRepository
	Dispatches repository.DispatchRepository
	Webhooks   repository.WebhookRepository

	Gateway   payment.Gateway
	SagaStore saga.Store
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) (*Container, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}
	appCfg := cfg.Config

	c := &Container{
		DB:         cfg.DB,
		Redis:      cfg.Redis,
		Bookings:   cfg.Bookings,
		Slots:      cfg.Slots,
		Idem:       cfg.Idem,
		Outbox:     cfg.Outbox,
		Dispatches: cfg.Dispatches,
		Webhooks:   cfg.Webhooks,
	}

	// Cache tiers; a nil Redis client degrades to the local tier only
	c.Tiers = cache.New(cfg.Redis, cache.DefaultConfig())
	c.Availability = cache.NewAvailabilityCache(c.Tiers, clk)
	c.Refs = cache.NewCachedReferenceRepository(cfg.Refs, c.Tiers)

	c.Inventory = inventory.NewStore(cfg.Slots, cfg.Tx, clk, inventory.Config{
		MaxAttempts: appCfg.Deadlock.MaxRetries,
		BackoffBase: appCfg.Deadlock.Backoff,
		BackoffMax:  2 * time.Second,
	})
	c.Generator = inventory.NewGenerator(cfg.Slots, c.Refs, cfg.Tx, clk)
	c.Validator = policy.NewValidator(c.Refs, cfg.Bookings, cfg.Slots, clk)

	var idemCache idempotency.Cache
	if cfg.Redis != nil {
		idemCache = idempotency.NewRedisCache(cfg.Redis)
	}
	c.IdemStore = idempotency.NewStore(cfg.Idem, idemCache, clk, idempotency.Config{
		TTL:        time.Duration(appCfg.Idempotency.DefaultExpirationMinutes) * time.Minute,
		CacheTTL:   time.Hour,
		MaxRetries: appCfg.Idempotency.MaxRetries,
	})

	c.OutboxWriter = outbox.NewWriter(cfg.Outbox, clk)
	c.Sagas = saga.NewOrchestrator(cfg.SagaStore, clk)

	coord, err := booking.NewCoordinator(booking.Deps{
		Bookings:  cfg.Bookings,
		Slots:     cfg.Slots,
		Refs:      c.Refs,
		Inventory: c.Inventory,
		Validator: c.Validator,
		Idem:      c.IdemStore,
		Outbox:    c.OutboxWriter,
		Payments:  cfg.Gateway,
		Sagas:     c.Sagas,
		Tx:        cfg.Tx,
		Clock:     clk,
	}, booking.Config{
		MaxAttempts:          appCfg.Deadlock.MaxRetries,
		BackoffBase:          appCfg.Deadlock.Backoff,
		BackoffMax:           2 * time.Second,
		TentativeTTL:         time.Duration(appCfg.Tentative.TimeoutMinutes) * time.Minute,
		StaleProcessingAfter: appCfg.Idempotency.StaleProcessingAfter,
		ReconcileBatch:       appCfg.Idempotency.SweepBatchSize,
	})
	if err != nil {
		return nil, err
	}
	c.Coordinator = coord

	c.Verifier = webhook.NewVerifier(appCfg.Webhook.ToleranceWindow, clk)
	c.Processor = webhook.NewProcessor(cfg.Webhooks, cfg.Dispatches, coord, clk, webhook.Config{
		ProcessTimeout: appCfg.Webhook.ProcessTimeout,
	})

	c.Handlers = handler.Handlers{
		Availability: handler.NewAvailabilityHandler(c.Inventory, c.Availability, c.Refs),
		Bookings:     handler.NewBookingHandler(coord),
		Webhooks:     handler.NewWebhookHandler(c.Verifier, c.Processor, c.Refs, appCfg.Webhook.Secret),
		Health:       handler.NewHealthHandler(cfg.DB, cfg.Redis),
	}

	return c, nil
}

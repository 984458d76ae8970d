package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wer-inc/ripipi/internal/di"
	"github.com/wer-inc/ripipi/internal/metrics"
	"github.com/wer-inc/ripipi/internal/payment"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/internal/saga"
	"github.com/wer-inc/ripipi/internal/worker"
	"github.com/wer-inc/ripipi/pkg/config"
	"github.com/wer-inc/ripipi/pkg/database"
	"github.com/wer-inc/ripipi/pkg/logger"
	pkgredis "github.com/wer-inc/ripipi/pkg/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := "info"
	if cfg.App.Debug {
		level = "debug"
	}
	if err := logger.Init(&logger.Config{
		Level:       level,
		ServiceName: "cleanup-worker",
		Development: cfg.IsDevelopment(),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("starting cleanup worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := metrics.Init(); err != nil {
		appLog.Fatal("metrics init failed", "error", err)
	}

	db, err := database.NewPostgres(ctx, &database.PostgresConfig{
		Host:          cfg.Database.Host,
		Port:          cfg.Database.Port,
		User:          cfg.Database.User,
		Password:      cfg.Database.Password,
		Database:      cfg.Database.DBName,
		SSLMode:       cfg.Database.SSLMode,
		MaxConns:      10,
		MinConns:      2,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	})
	if err != nil {
		appLog.Fatal("database connection failed", "error", err)
	}
	defer db.Close()

	redisClient, err := pkgredis.NewClient(ctx, &pkgredis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		MaxRetries:    3,
		RetryInterval: time.Second,
	})
	if err != nil {
		appLog.Fatal("redis connection failed", "error", err)
	}
	defer redisClient.Close()

	// Expiry releases payment holds, so the worker needs the same gateway
	// as the API
	var gateway payment.Gateway = payment.NewMockGateway()
	if cfg.Payment.Provider == "stripe" {
		gateway, err = payment.NewStripeGateway(&payment.StripeConfig{
			SecretKey:     cfg.Payment.StripeSecretKey,
			WebhookSecret: cfg.Webhook.Secret,
		})
		if err != nil {
			appLog.Fatal("payment gateway init failed", "error", err)
		}
	}

	pool := db.Pool()
	container, err := di.NewContainer(&di.ContainerConfig{
		Config:     cfg,
		DB:         db,
		Redis:      redisClient,
		Tx:         db,
		Bookings:   repository.NewPostgresBookingRepository(pool),
		Slots:      repository.NewPostgresTimeslotRepository(pool),
		Refs:       repository.NewPostgresReferenceRepository(pool),
		Idem:       repository.NewPostgresIdempotencyRepository(pool),
		Outbox:     repository.NewPostgresOutboxRepository(pool),
		Dispatches: repository.NewPostgresDispatchRepository(pool),
		Webhooks:   repository.NewPostgresWebhookRepository(pool),
		Gateway:    gateway,
		SagaStore:  saga.NewPostgresStore(pool),
	})
	if err != nil {
		appLog.Fatal("container wiring failed", "error", err)
	}

	wcfg := worker.DefaultCleanupConfig()
	wcfg.SweepInterval = cfg.Idempotency.SweepInterval
	wcfg.SweepBatch = cfg.Idempotency.SweepBatchSize
	wcfg.RetentionInterval = time.Duration(cfg.Cleanup.IntervalMinutes) * time.Minute
	wcfg.RetentionDays = cfg.Cleanup.RetentionDays
	wcfg.RetentionBatch = cfg.Cleanup.BatchSize

	w := worker.NewCleanupWorker(
		container.Coordinator,
		container.IdemStore,
		container.Slots,
		container.Webhooks,
		container.Refs,
		wcfg,
		nil,
	)
	if err := w.Start(ctx); err != nil {
		appLog.Fatal("worker start failed", "error", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("shutting down")

	cancel()
	w.Stop()
	appLog.Info("stopped")
}

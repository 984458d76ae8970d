package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wer-inc/ripipi/internal/di"
	"github.com/wer-inc/ripipi/internal/handler"
	"github.com/wer-inc/ripipi/internal/metrics"
	"github.com/wer-inc/ripipi/internal/payment"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/internal/saga"
	"github.com/wer-inc/ripipi/pkg/config"
	"github.com/wer-inc/ripipi/pkg/database"
	"github.com/wer-inc/ripipi/pkg/logger"
	pkgredis "github.com/wer-inc/ripipi/pkg/redis"
	"github.com/wer-inc/ripipi/pkg/telemetry"
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
		ServiceName: "reservation-api",
		Development: cfg.IsDevelopment(),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("starting reservation api", "version", cfg.App.Version)

	ctx := context.Background()

	tel, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	})
	if err != nil {
		appLog.Fatal("telemetry init failed", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	if err := metrics.Init(); err != nil {
		appLog.Fatal("metrics init failed", "error", err)
	}

	db, err := database.NewPostgres(ctx, &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  5 * time.Second,
		MaxRetries:      3,
		RetryInterval:   time.Second,
	})
	if err != nil {
		appLog.Fatal("database connection failed", "error", err)
	}
	defer db.Close()
	appLog.Info("database connected")

	redisClient, err := pkgredis.NewClient(ctx, &pkgredis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		DialTimeout:   cfg.Redis.DialTimeout,
		ReadTimeout:   cfg.Redis.ReadTimeout,
		WriteTimeout:  cfg.Redis.WriteTimeout,
		MaxRetries:    3,
		RetryInterval: time.Second,
	})
	if err != nil {
		appLog.Fatal("redis connection failed", "error", err)
	}
	defer redisClient.Close()
	appLog.Info("redis connected")

	gateway, err := buildGateway(cfg)
	if err != nil {
		appLog.Fatal("payment gateway init failed", "error", err)
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

	router := handler.NewRouter(cfg, container.Handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		appLog.Info("reservation api listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("forced shutdown", "error", err)
	}
	appLog.Info("stopped")
}

func buildGateway(cfg *config.Config) (payment.Gateway, error) {
	if cfg.Payment.Provider == "stripe" {
		return payment.NewStripeGateway(&payment.StripeConfig{
			SecretKey:     cfg.Payment.StripeSecretKey,
			WebhookSecret: cfg.Webhook.Secret,
		})
	}
	return payment.NewMockGateway(), nil
}

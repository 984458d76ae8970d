package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wer-inc/ripipi/internal/notification"
	"github.com/wer-inc/ripipi/internal/outbox"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/config"
	"github.com/wer-inc/ripipi/pkg/database"
	"github.com/wer-inc/ripipi/pkg/kafka"
	"github.com/wer-inc/ripipi/pkg/logger"
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
		ServiceName: "outbox-relay",
		Development: cfg.IsDevelopment(),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("starting outbox relay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	producer, err := kafka.NewProducer(&kafka.Config{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
	})
	if err != nil {
		appLog.Fatal("kafka connection failed", "error", err)
	}
	defer producer.Close()
	appLog.Info("kafka producer connected", "brokers", cfg.Kafka.Brokers)

	clk := clock.System()
	pool := db.Pool()
	events := repository.NewPostgresOutboxRepository(pool)
	dispatches := repository.NewPostgresDispatchRepository(pool)
	refs := repository.NewPostgresReferenceRepository(pool)
	bookings := repository.NewPostgresBookingRepository(pool)

	fanout := notification.NewPlanner(refs, bookings, clk)
	relay := outbox.NewRelay(events, dispatches, producer, fanout, nil, clk)

	if err := relay.Start(ctx); err != nil {
		appLog.Fatal("relay start failed", "error", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("shutting down")

	cancel()
	relay.Stop()
	appLog.Info("stopped")
}

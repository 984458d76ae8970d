package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wer-inc/ripipi/internal/domain"
	"github.com/wer-inc/ripipi/internal/notification"
	"github.com/wer-inc/ripipi/internal/repository"
	"github.com/wer-inc/ripipi/pkg/clock"
	"github.com/wer-inc/ripipi/pkg/config"
	"github.com/wer-inc/ripipi/pkg/database"
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
		ServiceName: "notify-worker",
		Development: cfg.IsDevelopment(),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("starting notification worker")

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

	clk := clock.System()
	pool := db.Pool()
	dispatches := repository.NewPostgresDispatchRepository(pool)
	refs := repository.NewPostgresReferenceRepository(pool)

	renderer := notification.NewRenderer(refs)
	providers := []notification.Provider{
		notification.NewLogProvider(domain.ChannelEmail),
		notification.NewLogProvider(domain.ChannelSMS),
		notification.NewLogProvider(domain.ChannelPush),
		notification.NewLogProvider(domain.ChannelLine),
		notification.NewWebhookProvider(refs, cfg.Notification.ProviderTimeout, clk),
	}

	dispatcher := notification.NewDispatcher(dispatches, refs, renderer, providers, dispatcherConfig(cfg), clk)
	if err := dispatcher.Start(ctx); err != nil {
		appLog.Fatal("dispatcher start failed", "error", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("shutting down")

	cancel()
	dispatcher.Stop()
	appLog.Info("stopped")
}

// dispatcherConfig maps the env-driven channel settings onto the dispatcher
func dispatcherConfig(cfg *config.Config) *notification.DispatcherConfig {
	dc := notification.DefaultDispatcherConfig()
	dc.Channels = map[domain.Channel]notification.ChannelSettings{
		domain.ChannelEmail:   channelSettings(cfg.Notification.Email),
		domain.ChannelSMS:     channelSettings(cfg.Notification.SMS),
		domain.ChannelPush:    channelSettings(cfg.Notification.Push),
		domain.ChannelLine:    channelSettings(cfg.Notification.Line),
		domain.ChannelWebhook: channelSettings(cfg.Notification.Webhook),
	}
	dc.ProviderTimeout = cfg.Notification.ProviderTimeout
	dc.QueueSize = cfg.Notification.QueueSize
	return dc
}

func channelSettings(c config.ChannelConfig) notification.ChannelSettings {
	return notification.ChannelSettings{
		Concurrency:   c.MaxConcurrent,
		RatePerMinute: c.RateLimitPerMinute,
		MaxAttempts:   c.MaxRetries,
		Backoff:       c.Backoff,
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	OTel         OTelConfig         `mapstructure:"otel"`
	Booking      BookingConfig      `mapstructure:"booking"`
	Cancellation CancellationConfig `mapstructure:"cancellation"`
	Tentative    TentativeConfig    `mapstructure:"tentative"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
	Deadlock     DeadlockConfig     `mapstructure:"deadlock"`
	Cleanup      CleanupConfig      `mapstructure:"cleanup"`
	Notification NotificationConfig `mapstructure:"notification"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Payment      PaymentConfig      `mapstructure:"payment"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	Debug       bool   `mapstructure:"debug"`
	Version     string `mapstructure:"version"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// PublicRatePerMinute throttles the public availability endpoint per
	// (client ip, tenant) pair
	PublicRatePerMinute int `mapstructure:"public_rate_per_minute"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka/Redpanda connection settings
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	ClientID      string   `mapstructure:"client_id"`
}

// JWTConfig holds JWT settings for the admin API
type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Issuer         string        `mapstructure:"issuer"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ServiceName   string  `mapstructure:"service_name"`
	CollectorAddr string  `mapstructure:"collector_addr"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
}

// BookingConfig holds booking policy defaults. Tenants may override a subset
// through per-tenant policy rows; these values apply when no override exists.
type BookingConfig struct {
	PreventDoubleBooking bool `mapstructure:"prevent_double_booking"`
	AllowOverbooking     bool `mapstructure:"allow_overbooking"`
	OverbookingPercent   int  `mapstructure:"overbooking_percent"`
	MinDurationMinutes   int  `mapstructure:"min_duration_minutes"`
	MaxDurationMinutes   int  `mapstructure:"max_duration_minutes"`
	AdvanceBookingDays   int  `mapstructure:"advance_booking_days"`
	SlotGranularityMin   int  `mapstructure:"slot_granularity_min"`
}

// CancellationConfig holds cancellation policy defaults
type CancellationConfig struct {
	AllowedUntilHours int    `mapstructure:"allowed_until_hours"`
	PenaltyPercentage int    `mapstructure:"penalty_percentage"`
	RefundPolicy      string `mapstructure:"refund_policy"` // FULL, PARTIAL, NONE
}

// TentativeConfig holds tentative (payment-pending) booking settings
type TentativeConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	TimeoutMinutes       int  `mapstructure:"timeout_minutes"`
	AutoConfirmOnPayment bool `mapstructure:"auto_confirm_on_payment"`
	MaxPerCustomer       int  `mapstructure:"max_per_customer"`
}

// IdempotencyConfig holds idempotency store settings
type IdempotencyConfig struct {
	DefaultExpirationMinutes int           `mapstructure:"default_expiration_minutes"`
	MaxRetries               int           `mapstructure:"max_retries"`
	SweepInterval            time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize           int           `mapstructure:"sweep_batch_size"`
	StaleProcessingAfter     time.Duration `mapstructure:"stale_processing_after"`
}

// DeadlockConfig holds the transaction retry settings for serialization
// failures and deadlocks
type DeadlockConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

// CleanupConfig holds background cleanup settings
type CleanupConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
	RetentionDays   int `mapstructure:"retention_days"`
	BatchSize       int `mapstructure:"batch_size"`
}

// ChannelConfig holds per-channel dispatcher settings
type ChannelConfig struct {
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	MaxRetries         int           `mapstructure:"max_retries"`
	Backoff            time.Duration `mapstructure:"backoff"`
}

// NotificationConfig holds notification dispatcher settings
type NotificationConfig struct {
	Email           ChannelConfig `mapstructure:"email"`
	SMS             ChannelConfig `mapstructure:"sms"`
	Push            ChannelConfig `mapstructure:"push"`
	Line            ChannelConfig `mapstructure:"line"`
	Webhook         ChannelConfig `mapstructure:"webhook"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	SurfaceFailures bool          `mapstructure:"surface_failures"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// PaymentConfig selects the PSP gateway
type PaymentConfig struct {
	Provider        string `mapstructure:"provider"` // mock, stripe
	StripeSecretKey string `mapstructure:"stripe_secret_key"`
}

// WebhookConfig holds webhook ingress settings
type WebhookConfig struct {
	Secret          string        `mapstructure:"secret"`
	ToleranceWindow time.Duration `mapstructure:"tolerance_window"`
	ProcessTimeout  time.Duration `mapstructure:"process_timeout"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")

	// .env is optional, env vars may carry everything
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	bindConfig(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadWithPath loads configuration from a specific path
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	bindConfig(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("APP_NAME", "ripipi")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_DEBUG", true)
	v.SetDefault("APP_VERSION", "1.0.0")

	// Server defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "30s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "30s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "120s")
	v.SetDefault("SERVER_REQUEST_TIMEOUT", "30s")
	v.SetDefault("SERVER_PUBLIC_RATE_PER_MINUTE", 20)

	// Database defaults
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_DBNAME", "reservation_db")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_CONNS", 100)
	v.SetDefault("DATABASE_MIN_CONNS", 10)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DATABASE_CONN_MAX_IDLE_TIME", "30m")

	// Redis defaults
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	// Kafka defaults
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "ripipi")
	v.SetDefault("KAFKA_CLIENT_ID", "ripipi")

	// JWT defaults
	v.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	v.SetDefault("JWT_ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("JWT_ISSUER", "ripipi")

	// OTel defaults
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "ripipi")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	// Booking policy defaults
	v.SetDefault("BOOKING_PREVENT_DOUBLE_BOOKING", true)
	v.SetDefault("BOOKING_ALLOW_OVERBOOKING", false)
	v.SetDefault("BOOKING_OVERBOOKING_PERCENT", 0)
	v.SetDefault("BOOKING_MIN_DURATION_MINUTES", 5)
	v.SetDefault("BOOKING_MAX_DURATION_MINUTES", 480)
	v.SetDefault("BOOKING_ADVANCE_BOOKING_DAYS", 90)
	v.SetDefault("BOOKING_SLOT_GRANULARITY_MIN", 15)

	// Cancellation defaults
	v.SetDefault("CANCELLATION_ALLOWED_UNTIL_HOURS", 24)
	v.SetDefault("CANCELLATION_PENALTY_PERCENTAGE", 0)
	v.SetDefault("CANCELLATION_REFUND_POLICY", "FULL")

	// Tentative booking defaults
	v.SetDefault("TENTATIVE_ENABLED", false)
	v.SetDefault("TENTATIVE_TIMEOUT_MINUTES", 15)
	v.SetDefault("TENTATIVE_AUTO_CONFIRM_ON_PAYMENT", true)
	v.SetDefault("TENTATIVE_MAX_PER_CUSTOMER", 3)

	// Idempotency defaults
	v.SetDefault("IDEMPOTENCY_DEFAULT_EXPIRATION_MINUTES", 1440)
	v.SetDefault("IDEMPOTENCY_MAX_RETRIES", 3)
	v.SetDefault("IDEMPOTENCY_SWEEP_INTERVAL", "60s")
	v.SetDefault("IDEMPOTENCY_SWEEP_BATCH_SIZE", 100)
	v.SetDefault("IDEMPOTENCY_STALE_PROCESSING_AFTER", "5m")

	// Deadlock retry defaults
	v.SetDefault("DEADLOCK_MAX_RETRIES", 3)
	v.SetDefault("DEADLOCK_BACKOFF", "100ms")

	// Cleanup defaults
	v.SetDefault("CLEANUP_INTERVAL_MINUTES", 5)
	v.SetDefault("CLEANUP_RETENTION_DAYS", 30)
	v.SetDefault("CLEANUP_BATCH_SIZE", 1000)

	// Notification dispatcher defaults
	v.SetDefault("NOTIFICATION_EMAIL_MAX_CONCURRENT", 10)
	v.SetDefault("NOTIFICATION_EMAIL_RATE_LIMIT_PER_MINUTE", 100)
	v.SetDefault("NOTIFICATION_EMAIL_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATION_EMAIL_BACKOFF", "5s")
	v.SetDefault("NOTIFICATION_SMS_MAX_CONCURRENT", 3)
	v.SetDefault("NOTIFICATION_SMS_RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("NOTIFICATION_SMS_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATION_SMS_BACKOFF", "5s")
	v.SetDefault("NOTIFICATION_PUSH_MAX_CONCURRENT", 10)
	v.SetDefault("NOTIFICATION_PUSH_RATE_LIMIT_PER_MINUTE", 300)
	v.SetDefault("NOTIFICATION_PUSH_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATION_PUSH_BACKOFF", "5s")
	v.SetDefault("NOTIFICATION_LINE_MAX_CONCURRENT", 5)
	v.SetDefault("NOTIFICATION_LINE_RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("NOTIFICATION_LINE_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATION_LINE_BACKOFF", "5s")
	v.SetDefault("NOTIFICATION_WEBHOOK_MAX_CONCURRENT", 5)
	v.SetDefault("NOTIFICATION_WEBHOOK_RATE_LIMIT_PER_MINUTE", 120)
	v.SetDefault("NOTIFICATION_WEBHOOK_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATION_WEBHOOK_BACKOFF", "5s")
	v.SetDefault("NOTIFICATION_PROVIDER_TIMEOUT", "10s")
	v.SetDefault("NOTIFICATION_SURFACE_FAILURES", false)
	v.SetDefault("NOTIFICATION_QUEUE_SIZE", 1000)

	// Payment gateway defaults
	v.SetDefault("PAYMENT_PROVIDER", "mock")
	v.SetDefault("PAYMENT_STRIPE_SECRET_KEY", "")

	// Webhook ingress defaults
	v.SetDefault("WEBHOOK_SECRET", "")
	v.SetDefault("WEBHOOK_TOLERANCE_WINDOW", "300s")
	v.SetDefault("WEBHOOK_PROCESS_TIMEOUT", "5s")
}

func bindConfig(v *viper.Viper, cfg *Config) {
	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.Debug = v.GetBool("APP_DEBUG")
	cfg.App.Version = v.GetString("APP_VERSION")

	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")
	cfg.Server.RequestTimeout = v.GetDuration("SERVER_REQUEST_TIMEOUT")
	cfg.Server.PublicRatePerMinute = v.GetInt("SERVER_PUBLIC_RATE_PER_MINUTE")

	cfg.Database.Host = v.GetString("DATABASE_HOST")
	cfg.Database.Port = v.GetInt("DATABASE_PORT")
	cfg.Database.User = v.GetString("DATABASE_USER")
	cfg.Database.Password = v.GetString("DATABASE_PASSWORD")
	cfg.Database.DBName = v.GetString("DATABASE_DBNAME")
	cfg.Database.SSLMode = v.GetString("DATABASE_SSLMODE")
	cfg.Database.MaxConns = v.GetInt32("DATABASE_MAX_CONNS")
	cfg.Database.MinConns = v.GetInt32("DATABASE_MIN_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DATABASE_CONN_MAX_LIFETIME")
	cfg.Database.ConnMaxIdleTime = v.GetDuration("DATABASE_CONN_MAX_IDLE_TIME")

	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.MinIdleConns = v.GetInt("REDIS_MIN_IDLE_CONNS")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")

	cfg.Kafka.Brokers = strings.Split(v.GetString("KAFKA_BROKERS"), ",")
	cfg.Kafka.ConsumerGroup = v.GetString("KAFKA_CONSUMER_GROUP")
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")

	cfg.JWT.Secret = v.GetString("JWT_SECRET")
	cfg.JWT.AccessTokenTTL = v.GetDuration("JWT_ACCESS_TOKEN_TTL")
	cfg.JWT.Issuer = v.GetString("JWT_ISSUER")

	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")

	cfg.Booking.PreventDoubleBooking = v.GetBool("BOOKING_PREVENT_DOUBLE_BOOKING")
	cfg.Booking.AllowOverbooking = v.GetBool("BOOKING_ALLOW_OVERBOOKING")
	cfg.Booking.OverbookingPercent = v.GetInt("BOOKING_OVERBOOKING_PERCENT")
	cfg.Booking.MinDurationMinutes = v.GetInt("BOOKING_MIN_DURATION_MINUTES")
	cfg.Booking.MaxDurationMinutes = v.GetInt("BOOKING_MAX_DURATION_MINUTES")
	cfg.Booking.AdvanceBookingDays = v.GetInt("BOOKING_ADVANCE_BOOKING_DAYS")
	cfg.Booking.SlotGranularityMin = v.GetInt("BOOKING_SLOT_GRANULARITY_MIN")

	cfg.Cancellation.AllowedUntilHours = v.GetInt("CANCELLATION_ALLOWED_UNTIL_HOURS")
	cfg.Cancellation.PenaltyPercentage = v.GetInt("CANCELLATION_PENALTY_PERCENTAGE")
	cfg.Cancellation.RefundPolicy = v.GetString("CANCELLATION_REFUND_POLICY")

	cfg.Tentative.Enabled = v.GetBool("TENTATIVE_ENABLED")
	cfg.Tentative.TimeoutMinutes = v.GetInt("TENTATIVE_TIMEOUT_MINUTES")
	cfg.Tentative.AutoConfirmOnPayment = v.GetBool("TENTATIVE_AUTO_CONFIRM_ON_PAYMENT")
	cfg.Tentative.MaxPerCustomer = v.GetInt("TENTATIVE_MAX_PER_CUSTOMER")

	cfg.Idempotency.DefaultExpirationMinutes = v.GetInt("IDEMPOTENCY_DEFAULT_EXPIRATION_MINUTES")
	cfg.Idempotency.MaxRetries = v.GetInt("IDEMPOTENCY_MAX_RETRIES")
	cfg.Idempotency.SweepInterval = v.GetDuration("IDEMPOTENCY_SWEEP_INTERVAL")
	cfg.Idempotency.SweepBatchSize = v.GetInt("IDEMPOTENCY_SWEEP_BATCH_SIZE")
	cfg.Idempotency.StaleProcessingAfter = v.GetDuration("IDEMPOTENCY_STALE_PROCESSING_AFTER")

	cfg.Deadlock.MaxRetries = v.GetInt("DEADLOCK_MAX_RETRIES")
	cfg.Deadlock.Backoff = v.GetDuration("DEADLOCK_BACKOFF")

	cfg.Cleanup.IntervalMinutes = v.GetInt("CLEANUP_INTERVAL_MINUTES")
	cfg.Cleanup.RetentionDays = v.GetInt("CLEANUP_RETENTION_DAYS")
	cfg.Cleanup.BatchSize = v.GetInt("CLEANUP_BATCH_SIZE")

	bindChannel(v, &cfg.Notification.Email, "EMAIL")
	bindChannel(v, &cfg.Notification.SMS, "SMS")
	bindChannel(v, &cfg.Notification.Push, "PUSH")
	bindChannel(v, &cfg.Notification.Line, "LINE")
	bindChannel(v, &cfg.Notification.Webhook, "WEBHOOK")
	cfg.Notification.ProviderTimeout = v.GetDuration("NOTIFICATION_PROVIDER_TIMEOUT")
	cfg.Notification.SurfaceFailures = v.GetBool("NOTIFICATION_SURFACE_FAILURES")
	cfg.Notification.QueueSize = v.GetInt("NOTIFICATION_QUEUE_SIZE")

	cfg.Payment.Provider = v.GetString("PAYMENT_PROVIDER")
	cfg.Payment.StripeSecretKey = v.GetString("PAYMENT_STRIPE_SECRET_KEY")

	cfg.Webhook.Secret = v.GetString("WEBHOOK_SECRET")
	cfg.Webhook.ToleranceWindow = v.GetDuration("WEBHOOK_TOLERANCE_WINDOW")
	cfg.Webhook.ProcessTimeout = v.GetDuration("WEBHOOK_PROCESS_TIMEOUT")
}

func bindChannel(v *viper.Viper, c *ChannelConfig, name string) {
	c.MaxConcurrent = v.GetInt("NOTIFICATION_" + name + "_MAX_CONCURRENT")
	c.RateLimitPerMinute = v.GetInt("NOTIFICATION_" + name + "_RATE_LIMIT_PER_MINUTE")
	c.MaxRetries = v.GetInt("NOTIFICATION_" + name + "_MAX_RETRIES")
	c.Backoff = v.GetDuration("NOTIFICATION_" + name + "_BACKOFF")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("DATABASE_HOST is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("DATABASE_DBNAME is required")
	}

	if c.App.Environment == "production" && c.JWT.Secret == "your-secret-key-change-in-production" {
		return fmt.Errorf("JWT secret must be changed in production")
	}

	switch c.Cancellation.RefundPolicy {
	case "FULL", "PARTIAL", "NONE":
	default:
		return fmt.Errorf("invalid refund policy: %s", c.Cancellation.RefundPolicy)
	}

	switch c.Payment.Provider {
	case "mock":
	case "stripe":
		if c.Payment.StripeSecretKey == "" {
			return fmt.Errorf("PAYMENT_STRIPE_SECRET_KEY is required for the stripe provider")
		}
	default:
		return fmt.Errorf("invalid payment provider: %s", c.Payment.Provider)
	}

	if c.Booking.OverbookingPercent < 0 || c.Booking.OverbookingPercent > 100 {
		return fmt.Errorf("overbooking percent must be within [0,100]: %d", c.Booking.OverbookingPercent)
	}

	if g := c.Booking.SlotGranularityMin; g != 5 && g != 15 {
		return fmt.Errorf("slot granularity must be 5 or 15 minutes: %d", g)
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds settings shared by the billing API, the event consumer and the scheduler.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	AMQPURL               string `mapstructure:"AMQP_URL"`
	PaymentEventsExchange string `mapstructure:"PAYMENT_EVENTS_EXCHANGE"`
	PaymentEventsQueue    string `mapstructure:"PAYMENT_EVENTS_QUEUE"`
	ConsumerPrefetch      int    `mapstructure:"CONSUMER_PREFETCH"`

	PaddleAPIKey        string `mapstructure:"PADDLE_API_KEY"`
	PaddleWebhookSecret string `mapstructure:"PADDLE_WEBHOOK_SECRET"`
	PaddleEnvironment   string `mapstructure:"PADDLE_ENVIRONMENT"`

	FailureThreshold    int           `mapstructure:"FAILURE_THRESHOLD"`
	EventRetention      time.Duration `mapstructure:"EVENT_RETENTION"`
	GatewayTimeout      time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	ForceRetryPerMinute int           `mapstructure:"FORCE_RETRY_PER_MINUTE"`
	BreakerFailures     int           `mapstructure:"BREAKER_CONSECUTIVE_FAILURES"`
	BreakerOpenTimeout  time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT"`
	JobTimeout          time.Duration `mapstructure:"JOB_TIMEOUT"`

	AdminAPIKeyHash string `mapstructure:"ADMIN_API_KEY_HASH"`
	AdminAPIKeySalt string `mapstructure:"ADMIN_API_KEY_SALT"`

	BillingServiceURL         string `mapstructure:"BILLING_SERVICE_URL"`
	AdminAPIKey               string `mapstructure:"ADMIN_API_KEY"`
	CancellationSweepSchedule string `mapstructure:"CANCELLATION_SWEEP_SCHEDULE"`
	EventPurgeSchedule        string `mapstructure:"EVENT_PURGE_SCHEDULE"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogFormat    string `mapstructure:"LOG_FORMAT"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`
}

var keys = []string{
	"SERVER_PORT", "DATABASE_URL",
	"AMQP_URL", "PAYMENT_EVENTS_EXCHANGE", "PAYMENT_EVENTS_QUEUE", "CONSUMER_PREFETCH",
	"PADDLE_API_KEY", "PADDLE_WEBHOOK_SECRET", "PADDLE_ENVIRONMENT",
	"FAILURE_THRESHOLD", "EVENT_RETENTION", "GATEWAY_TIMEOUT", "FORCE_RETRY_PER_MINUTE",
	"BREAKER_CONSECUTIVE_FAILURES", "BREAKER_OPEN_TIMEOUT", "JOB_TIMEOUT",
	"ADMIN_API_KEY_HASH", "ADMIN_API_KEY_SALT",
	"BILLING_SERVICE_URL", "ADMIN_API_KEY", "CANCELLATION_SWEEP_SCHEDULE", "EVENT_PURGE_SCHEDULE",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "LOG_FORMAT", "LOG_LEVEL",
}

// Load reads configuration from the environment. Call godotenv.Load first
// for local .env files.
func Load() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYMENT_EVENTS_EXCHANGE", "payment_events")
	viper.SetDefault("PAYMENT_EVENTS_QUEUE", "billing.payment_events")
	viper.SetDefault("CONSUMER_PREFETCH", 10)
	viper.SetDefault("PADDLE_ENVIRONMENT", "simulated")
	viper.SetDefault("FAILURE_THRESHOLD", 3)
	viper.SetDefault("EVENT_RETENTION", 72*time.Hour)
	viper.SetDefault("GATEWAY_TIMEOUT", 10*time.Second)
	viper.SetDefault("FORCE_RETRY_PER_MINUTE", 30)
	viper.SetDefault("BREAKER_CONSECUTIVE_FAILURES", 5)
	viper.SetDefault("BREAKER_OPEN_TIMEOUT", 30*time.Second)
	viper.SetDefault("JOB_TIMEOUT", 5*time.Minute)
	viper.SetDefault("BILLING_SERVICE_URL", "http://localhost:8080")
	viper.SetDefault("CANCELLATION_SWEEP_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("EVENT_PURGE_SCHEDULE", "30 3 * * *")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.AutomaticEnv()

	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.PaddleEnvironment = strings.ToLower(strings.TrimSpace(cfg.PaddleEnvironment))
	return &cfg, nil
}

// ValidateBilling checks the settings the billing API cannot start without.
func (c *Config) ValidateBilling() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("FAILURE_THRESHOLD must be positive, got %d", c.FailureThreshold))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	if c.JobTimeout < c.GatewayTimeout {
		errs = append(errs, errors.New("JOB_TIMEOUT must be at least GATEWAY_TIMEOUT"))
	}
	switch c.PaddleEnvironment {
	case "simulated":
	case "sandbox", "production":
		if c.PaddleAPIKey == "" {
			errs = append(errs, errors.New("PADDLE_API_KEY is required for the Paddle gateway"))
		}
		if c.PaddleWebhookSecret == "" {
			errs = append(errs, errors.New("PADDLE_WEBHOOK_SECRET is required for the Paddle gateway"))
		}
	default:
		errs = append(errs, fmt.Errorf("PADDLE_ENVIRONMENT must be production, sandbox or simulated, got %q", c.PaddleEnvironment))
	}
	if (c.AdminAPIKeyHash == "") != (c.AdminAPIKeySalt == "") {
		errs = append(errs, errors.New("ADMIN_API_KEY_HASH and ADMIN_API_KEY_SALT must be set together"))
	}
	return errors.Join(errs...)
}

// ValidateConsumer checks the settings the event consumer needs.
func (c *Config) ValidateConsumer() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.AMQPURL == "" {
		errs = append(errs, errors.New("AMQP_URL is required"))
	}
	if c.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("FAILURE_THRESHOLD must be positive, got %d", c.FailureThreshold))
	}
	return errors.Join(errs...)
}

// ValidateScheduler checks the settings the scheduler needs.
func (c *Config) ValidateScheduler() error {
	var errs []error
	if c.BillingServiceURL == "" {
		errs = append(errs, errors.New("BILLING_SERVICE_URL is required"))
	}
	if c.CancellationSweepSchedule == "" || c.EventPurgeSchedule == "" {
		errs = append(errs, errors.New("job schedules must not be empty"))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, errors.New("JOB_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

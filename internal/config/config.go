// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Custodial wallet provider
	ProviderName    string // Provider identifier used as webhook idempotency scope
	ProviderBaseURL string
	ProviderAPIKey  string
	WebhookSecret   string // Shared secret for inbound provider webhooks

	// Escrow settings
	CommissionRate  decimal.Decimal // Platform cut of each released order, e.g. 0.10
	FeeDestination  string          // "treasury" or "relay"
	TreasuryAccount string          // External account id that receives platform fees
	PlatformAccount string          // Provider-side user id owning relay deposit addresses
	FeeCurrency     string          // Stablecoin fees settle into when relayed

	// Auto-refund monitor
	RefundAfter        time.Duration // How long paid orders may sit undelivered
	RefundSweepEvery   time.Duration
	RefundStartupDelay time.Duration

	// Webhook event retention
	WebhookRetention time.Duration

	// Notifications (optional)
	NotifyURL    string
	NotifySecret string

	// Tracing (optional)
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultProviderName   = "custodia"
	DefaultCommissionRate = "0.10"
	DefaultFeeDestination = "treasury"
	DefaultFeeCurrency    = "USDT"

	DefaultRefundAfter        = 48 * time.Hour
	DefaultRefundSweepEvery   = time.Hour
	DefaultRefundStartupDelay = 30 * time.Second
	DefaultWebhookRetention   = 90 * 24 * time.Hour
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	rate, err := decimal.NewFromString(getEnv("COMMISSION_RATE", DefaultCommissionRate))
	if err != nil {
		return nil, fmt.Errorf("COMMISSION_RATE must be a decimal: %w", err)
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ProviderName:       getEnv("PROVIDER_NAME", DefaultProviderName),
		ProviderBaseURL:    os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:     os.Getenv("PROVIDER_API_KEY"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		CommissionRate:     rate,
		FeeDestination:     getEnv("FEE_DESTINATION", DefaultFeeDestination),
		TreasuryAccount:    os.Getenv("TREASURY_ACCOUNT"),
		PlatformAccount:    os.Getenv("PLATFORM_ACCOUNT"),
		FeeCurrency:        getEnv("FEE_CURRENCY", DefaultFeeCurrency),
		RefundAfter:        getEnvDuration("REFUND_AFTER", DefaultRefundAfter),
		RefundSweepEvery:   getEnvDuration("REFUND_SWEEP_EVERY", DefaultRefundSweepEvery),
		RefundStartupDelay: getEnvDuration("REFUND_STARTUP_DELAY", DefaultRefundStartupDelay),
		WebhookRetention:   getEnvDuration("WEBHOOK_RETENTION", DefaultWebhookRetention),
		NotifyURL:          os.Getenv("NOTIFY_URL"),
		NotifySecret:       os.Getenv("NOTIFY_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}

	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThanOrEqual(decimalOne()) {
		return fmt.Errorf("COMMISSION_RATE must be in [0, 1), got %s", c.CommissionRate)
	}

	switch c.FeeDestination {
	case "treasury", "relay":
	default:
		return fmt.Errorf("FEE_DESTINATION must be 'treasury' or 'relay', got %q", c.FeeDestination)
	}

	if c.FeeDestination == "treasury" && c.TreasuryAccount == "" {
		return fmt.Errorf("TREASURY_ACCOUNT is required when FEE_DESTINATION=treasury")
	}

	if c.FeeDestination == "relay" && c.PlatformAccount == "" {
		return fmt.Errorf("PLATFORM_ACCOUNT is required when FEE_DESTINATION=relay")
	}

	if c.RefundAfter <= 0 {
		return fmt.Errorf("REFUND_AFTER must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func decimalOne() decimal.Decimal {
	return decimal.NewFromInt(1)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

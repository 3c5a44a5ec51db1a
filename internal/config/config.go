// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"
	BaseURL   string // Public storefront URL used to build confirmation links
	// Browser origins allowed to call the API; defaults to BaseURL
	CORSOrigins []string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; enables the Redis email fallback queue

	// Identity provider
	JWTSecret string
	JWTIssuer string

	// Payment gateway
	GatewayProvider      string // "paystack" or "stripe"
	GatewayBaseURL       string
	GatewaySecretKey     string
	GatewayWebhookSecret string // Optional HMAC secret for webhook signatures
	GatewayTimeout       time.Duration

	// Settlement
	PlatformFeeRate decimal.Decimal
	ConfirmTokenTTL time.Duration

	// Notifications
	AdminEmail        string
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
	MailFrom          string
	Currency          string // Display currency for email amounts
	NotifyMaxAttempts int

	// Observability
	OTLPEndpoint string
	RateLimitRPS int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultBaseURL           = "http://localhost:3000"
	DefaultGatewayProvider   = "paystack"
	DefaultGatewayBaseURL    = "https://api.paystack.co"
	DefaultGatewayTimeout    = 10 * time.Second
	DefaultPlatformFeeRate   = "0.05"
	DefaultConfirmTokenTTL   = 48 * time.Hour
	DefaultSMTPPort          = 587
	DefaultMailFrom          = "orders@escrowd.local"
	DefaultCurrency          = "NGN"
	DefaultNotifyMaxAttempts = 8
	DefaultRateLimit         = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	feeRate, err := decimal.NewFromString(getEnv("PLATFORM_FEE_RATE", DefaultPlatformFeeRate))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_RATE must be a decimal: %w", err)
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		BaseURL:              getEnv("APP_BASE_URL", DefaultBaseURL),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTIssuer:            os.Getenv("JWT_ISSUER"),
		GatewayProvider:      getEnv("GATEWAY_PROVIDER", DefaultGatewayProvider),
		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", DefaultGatewayBaseURL),
		GatewaySecretKey:     os.Getenv("GATEWAY_SECRET_KEY"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		PlatformFeeRate:      feeRate,
		ConfirmTokenTTL:      getEnvDuration("CONFIRM_TOKEN_TTL", DefaultConfirmTokenTTL),
		AdminEmail:           os.Getenv("ADMIN_EMAIL"),
		SMTPHost:             os.Getenv("SMTP_HOST"),
		SMTPPort:             int(getEnvInt64("SMTP_PORT", DefaultSMTPPort)),
		SMTPUsername:         os.Getenv("SMTP_USERNAME"),
		SMTPPassword:         os.Getenv("SMTP_PASSWORD"),
		MailFrom:             getEnv("MAIL_FROM", DefaultMailFrom),
		Currency:             getEnv("CURRENCY", DefaultCurrency),
		NotifyMaxAttempts:    int(getEnvInt64("NOTIFY_MAX_ATTEMPTS", DefaultNotifyMaxAttempts)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	cfg.CORSOrigins = splitList(getEnv("CORS_ALLOWED_ORIGINS", cfg.BaseURL))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.GatewaySecretKey == "" {
		return fmt.Errorf("GATEWAY_SECRET_KEY is required")
	}
	switch c.GatewayProvider {
	case "paystack", "stripe":
	default:
		return fmt.Errorf("GATEWAY_PROVIDER must be paystack or stripe, got %q", c.GatewayProvider)
	}
	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE must be in [0, 1)")
	}
	if c.ConfirmTokenTTL <= 0 {
		return fmt.Errorf("CONFIRM_TOKEN_TTL must be positive")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

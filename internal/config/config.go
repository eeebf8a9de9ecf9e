// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/techswap/marketplace/internal/paygate"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Storage. Both optional: in-memory stores and a local sweep lock are used when unset.
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"false"`
	RedisURL    string `env:"REDIS_URL"`

	// Security
	JWTSecret    string `env:"JWT_SECRET"`
	RateLimitRPM int    `env:"RATE_LIMIT_RPM" envDefault:"120"`
	FrontendURL  string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`

	// Payment gateway
	VNPayTmnCode    string `env:"VNPAY_TMN_CODE"`
	VNPayHashSecret string `env:"VNPAY_HASH_SECRET"`
	VNPayURL        string `env:"VNPAY_URL"`
	VNPayAPIURL     string `env:"VNPAY_API_URL"` // querydr; stale payment expiry is off without it
	VNPayReturnURL  string `env:"VNPAY_RETURN_URL" envDefault:"http://localhost:8080/v1/payments/return"`
	MockPayments    bool   `env:"ENABLE_MOCK_PAYMENTS" envDefault:"false"`

	// Escrow timing
	InspectionWindow time.Duration `env:"INSPECTION_WINDOW" envDefault:"72h"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	PaymentTimeout   time.Duration `env:"PAYMENT_TIMEOUT" envDefault:"15m"`

	// Observability
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 characters")
	}
	if err := c.Gateway().Validate(); err != nil {
		return err
	}
	if c.InspectionWindow <= 0 {
		return errors.New("INSPECTION_WINDOW must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be positive")
	}
	if c.PaymentTimeout <= 0 {
		return errors.New("PAYMENT_TIMEOUT must be positive")
	}
	if c.MockPayments && c.IsProduction() {
		return errors.New("ENABLE_MOCK_PAYMENTS cannot be set in production")
	}
	return nil
}

// Gateway returns the payment gateway settings.
func (c *Config) Gateway() paygate.Config {
	return paygate.Config{
		TmnCode:    c.VNPayTmnCode,
		HashSecret: c.VNPayHashSecret,
		PayURL:     c.VNPayURL,
		APIURL:     c.VNPayAPIURL,
		ReturnURL:  c.VNPayReturnURL,
		ExpireIn:   c.PaymentTimeout,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	PanelSize      int    // Arbitrators per dispute panel (odd, >= 3)
	MinConfirmDays int    // Minimum confirmation window in days
	MaxConfirmDays int    // Maximum confirmation window in days
	ArbitrationFee string // Flat fee deducted at dispute resolution (e.g. "0.50")

	// Security
	WebhookSecret string // HMAC secret for signing webhook payloads
	AdminSecret   string // Admin API secret

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultPanelSize      = 3
	DefaultMinConfirmDays = 1
	DefaultMaxConfirmDays = 30
	DefaultArbitrationFee = "0"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PanelSize:      getEnvInt("PANEL_SIZE", DefaultPanelSize),
		MinConfirmDays: getEnvInt("MIN_CONFIRM_DAYS", DefaultMinConfirmDays),
		MaxConfirmDays: getEnvInt("MAX_CONFIRM_DAYS", DefaultMaxConfirmDays),
		ArbitrationFee: getEnv("ARBITRATION_FEE", DefaultArbitrationFee),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	if c.PanelSize < 3 || c.PanelSize%2 == 0 {
		return fmt.Errorf("PANEL_SIZE must be an odd number >= 3, got %d", c.PanelSize)
	}

	if c.MinConfirmDays < 1 {
		return fmt.Errorf("MIN_CONFIRM_DAYS must be at least 1, got %d", c.MinConfirmDays)
	}

	if c.MaxConfirmDays < c.MinConfirmDays {
		return fmt.Errorf("MAX_CONFIRM_DAYS (%d) must be >= MIN_CONFIRM_DAYS (%d)", c.MaxConfirmDays, c.MinConfirmDays)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

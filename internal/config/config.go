// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL      string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBMaxOpenConns   int
	DBMaxIdleConns   int
	DBConnMaxLife    time.Duration
	RedisURL         string // Optional balance cache and sweep lock
	BalanceCacheTTL  time.Duration
	ResetInterval    time.Duration
	MigrateOnStartup bool

	// Identity provider
	SupabaseURL     string
	SupabaseAnonKey string

	// Billing webhooks
	StripeWebhookSecret   string
	PaymentsWebhookSecret string

	// Document storage callback
	UploadsWebhookSecret string
	UploadHoldTTL        time.Duration

	// AI query backend
	AIBackendURL     string
	AIBackendAPIKey  string
	AIModel          string
	AIBackendTimeout time.Duration

	// HTTP edge
	CORSOrigins  []string
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultAIBackendURL  = "https://api.wetrocloud.com"
	DefaultAIModel       = "gpt-4o-mini"
	DefaultRateLimit     = 120
	DefaultResetInterval = time.Hour
	DefaultUploadHoldTTL = time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", ""),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:        int(getEnvInt64("DB_MAX_OPEN_CONNS", 25)),
		DBMaxIdleConns:        int(getEnvInt64("DB_MAX_IDLE_CONNS", 10)),
		DBConnMaxLife:         getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		RedisURL:              os.Getenv("REDIS_URL"),
		BalanceCacheTTL:       getEnvDuration("BALANCE_CACHE_TTL", 30*time.Second),
		ResetInterval:         getEnvDuration("RESET_INTERVAL", DefaultResetInterval),
		MigrateOnStartup:      getEnvBool("MIGRATE_ON_STARTUP", true),
		SupabaseURL:           os.Getenv("SUPABASE_URL"),
		SupabaseAnonKey:       os.Getenv("SUPABASE_ANON_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PaymentsWebhookSecret: os.Getenv("PAYMENTS_WEBHOOK_SECRET"),
		UploadsWebhookSecret:  os.Getenv("UPLOADS_WEBHOOK_SECRET"),
		UploadHoldTTL:         getEnvDuration("UPLOAD_HOLD_TTL", DefaultUploadHoldTTL),
		AIBackendURL:          getEnv("AI_BACKEND_URL", DefaultAIBackendURL),
		AIBackendAPIKey:       os.Getenv("AI_BACKEND_API_KEY"),
		AIModel:               getEnv("AI_MODEL", DefaultAIModel),
		AIBackendTimeout:      getEnvDuration("AI_BACKEND_TIMEOUT", 60*time.Second),
		CORSOrigins:           getEnvList("CORS_ORIGINS"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	if !c.IsDevelopment() {
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_ANON_KEY are required outside development")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required outside development")
		}
	}

	if c.SupabaseURL != "" {
		if err := checkURL("SUPABASE_URL", c.SupabaseURL); err != nil {
			return err
		}
	}
	if err := checkURL("AI_BACKEND_URL", c.AIBackendURL); err != nil {
		return err
	}

	if c.ResetInterval < time.Minute {
		return fmt.Errorf("RESET_INTERVAL must be at least 1m")
	}
	if c.UploadHoldTTL < time.Minute {
		return fmt.Errorf("UPLOAD_HOLD_TTL must be at least 1m")
	}
	if c.DBMaxIdleConns > c.DBMaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS must not exceed DB_MAX_OPEN_CONNS")
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

func checkURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", key)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Crypto         CryptoConfig         `yaml:"crypto"`
	Escrow         EscrowConfig         `yaml:"escrow"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Storage        StorageConfig        `yaml:"storage"`
	Callbacks      CallbacksConfig      `yaml:"callbacks"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics (empty disables protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug | info | warn | error
	Format      string `yaml:"format"`      // json | console
	Environment string `yaml:"environment"` // development | staging | production
}

// CryptoConfig holds envelope encryption configuration.
// The master key is a 256-bit secret supplied once at process start; it is
// parsed here and passed by explicit reference into the engine constructor.
type CryptoConfig struct {
	MasterKeyHex string `yaml:"master_key_hex"` // 64 hex chars; prefer the ESCROWBOX_MASTER_KEY env var over YAML
}

// EscrowConfig holds escrow transaction policy configuration.
type EscrowConfig struct {
	Currency          string   `yaml:"currency"`            // ISO currency code for all transactions (default: usd)
	ExpiryWindow      Duration `yaml:"expiry_window"`       // Advisory transaction expiry, creation + window (default: 24h)
	MaxFileBytes      int64    `yaml:"max_file_bytes"`      // Upload size ceiling (default: 25 MiB)
	DescriptionMaxLen int      `yaml:"description_max_len"` // Item description length ceiling (default: 1000)
}

// StripeConfig holds Stripe payment integration configuration.
type StripeConfig struct {
	SecretKey      string `yaml:"secret_key"`
	WebhookSecret  string `yaml:"webhook_secret"`
	PublishableKey string `yaml:"publishable_key"`
	Mode           string `yaml:"mode"` // live | test
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend               string             `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL           string             `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL            string             `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase       string             `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool          PostgresPoolConfig `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	TransactionsTableName string             `yaml:"transactions_table_name"`
	FilesTableName        string             `yaml:"files_table_name"`
}

// RetryConfig holds retry/backoff settings for outbound callback delivery.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// CallbacksConfig holds outbound notification configuration.
type CallbacksConfig struct {
	EscrowEventURL string            `yaml:"escrow_event_url"` // Webhook receiving escrow lifecycle events (empty disables)
	Headers        map[string]string `yaml:"headers"`
	Timeout        Duration          `yaml:"timeout"`
	Retry          RetryConfig       `yaml:"retry"`
}

// RateLimitConfig holds request rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerActorEnabled bool     `yaml:"per_actor_enabled"`
	PerActorLimit   int      `yaml:"per_actor_limit"`
	PerActorWindow  Duration `yaml:"per_actor_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// BreakerServiceConfig configures a single circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	StripeAPI BreakerServiceConfig `yaml:"stripe_api"`
	Callback  BreakerServiceConfig `yaml:"callback"`
}

package config

import (
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the ESCROWBOX_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "ESCROWBOX_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "ESCROWBOX_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "ESCROWBOX_ADMIN_METRICS_API_KEY")

	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "ESCROWBOX_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "ESCROWBOX_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "ESCROWBOX_ENVIRONMENT")

	// Crypto config - the master key should come from the environment, not YAML
	setIfEnv(&c.Crypto.MasterKeyHex, "ESCROWBOX_MASTER_KEY")

	// Escrow policy config
	setIfEnv(&c.Escrow.Currency, "ESCROWBOX_ESCROW_CURRENCY")
	setDurationIfEnv(&c.Escrow.ExpiryWindow, "ESCROWBOX_ESCROW_EXPIRY_WINDOW")
	setInt64IfEnv(&c.Escrow.MaxFileBytes, "ESCROWBOX_ESCROW_MAX_FILE_BYTES")

	// Stripe config
	setIfEnv(&c.Stripe.SecretKey, "ESCROWBOX_STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, "ESCROWBOX_STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Stripe.PublishableKey, "ESCROWBOX_STRIPE_PUBLISHABLE_KEY")
	setIfEnv(&c.Stripe.Mode, "ESCROWBOX_STRIPE_MODE")

	// Storage config
	setIfEnv(&c.Storage.Backend, "ESCROWBOX_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "ESCROWBOX_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "ESCROWBOX_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "ESCROWBOX_MONGODB_DATABASE")
	setIfEnv(&c.Storage.TransactionsTableName, "ESCROWBOX_TRANSACTIONS_TABLE")
	setIfEnv(&c.Storage.FilesTableName, "ESCROWBOX_FILES_TABLE")

	// Callbacks config
	setIfEnv(&c.Callbacks.EscrowEventURL, "ESCROWBOX_CALLBACK_ESCROW_EVENT_URL")
	setDurationIfEnv(&c.Callbacks.Timeout, "ESCROWBOX_CALLBACK_TIMEOUT")

	// Load callback headers (ESCROWBOX_CALLBACK_HEADER_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "ESCROWBOX_CALLBACK_HEADER_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "ESCROWBOX_CALLBACK_HEADER_")
		if name == "" {
			continue
		}
		if c.Callbacks.Headers == nil {
			c.Callbacks.Headers = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		c.Callbacks.Headers[headerName] = parts[1]
	}
}

// setIfEnv sets target to the env var value when the variable is present and non-empty.
func setIfEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setDurationIfEnv parses a Go-style duration env var into target.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setInt64IfEnv parses an integer env var into target.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/")
}

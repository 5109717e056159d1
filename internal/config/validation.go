package config

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// finalize validates the assembled configuration and fills derived defaults.
// Called once after YAML parsing and env overrides.
func (c *Config) finalize() error {
	if strings.TrimSpace(c.Server.Address) == "" {
		return fmt.Errorf("config: server address required")
	}

	if c.Escrow.Currency == "" {
		c.Escrow.Currency = "usd"
	}
	c.Escrow.Currency = strings.ToLower(c.Escrow.Currency)
	if c.Escrow.ExpiryWindow.Duration <= 0 {
		return fmt.Errorf("config: escrow expiry_window must be positive")
	}
	if c.Escrow.MaxFileBytes <= 0 {
		return fmt.Errorf("config: escrow max_file_bytes must be positive")
	}
	if c.Escrow.DescriptionMaxLen <= 0 {
		c.Escrow.DescriptionMaxLen = 1000
	}

	if err := c.validateMasterKey(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case "", "memory", "postgres", "mongodb":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("config: postgres backend requires postgres_url")
	}
	if c.Storage.Backend == "mongodb" && c.Storage.MongoDBURL == "" {
		return fmt.Errorf("config: mongodb backend requires mongodb_url")
	}

	if c.Stripe.Mode != "test" && c.Stripe.Mode != "live" {
		return fmt.Errorf("config: stripe mode must be \"test\" or \"live\", got %q", c.Stripe.Mode)
	}

	return nil
}

// validateMasterKey checks that the configured master key decodes to exactly 256 bits.
func (c *Config) validateMasterKey() error {
	key := strings.TrimSpace(c.Crypto.MasterKeyHex)
	if key == "" {
		return fmt.Errorf("config: master key required (set ESCROWBOX_MASTER_KEY)")
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("config: master key must be hex encoded: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("config: master key must be 256 bits (64 hex chars), got %d bits", len(raw)*8)
	}
	return nil
}

// MasterKey returns the decoded 256-bit master secret.
// finalize guarantees the decode succeeds; callers receive a fresh copy.
func (c *Config) MasterKey() []byte {
	raw, _ := hex.DecodeString(strings.TrimSpace(c.Crypto.MasterKeyHex))
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// Uses defaults where the config value is zero.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := pool.ConnMaxLifetime.Duration
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
}

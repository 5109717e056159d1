package dbpool

import (
	"database/sql"
	"fmt"

	"github.com/EscrowBox/server/internal/config"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SharedPool owns a single PostgreSQL connection pool. The transaction store
// and any future repositories borrow the same *sql.DB instead of each opening
// their own connections.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and verifies a pooled PostgreSQL connection.
func NewSharedPool(connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	return &SharedPool{db: db}, nil
}

// DB returns the underlying pool for stores to use.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close shuts the pool down. Call once, after every borrower has closed.
func (p *SharedPool) Close() error {
	return p.db.Close()
}

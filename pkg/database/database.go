package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Activation transactions hold a short row lock per key, so the pool
	// stays modest
	config.MaxConns = 25
	config.MinConns = 5

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the schema. All statements are idempotent so this is safe
// to run on every startup.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		// License keys. used_devices is a denormalized mirror of the
		// activation count, refreshed inside the activation transaction.
		`CREATE TABLE IF NOT EXISTS keys (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			key_string TEXT UNIQUE NOT NULL,
			duration_hours INT NOT NULL,
			max_devices INT NOT NULL DEFAULT 10,
			used_devices INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'active'
		);`,

		// Device activations. The unique pair is the authoritative
		// race-breaker for concurrent activations of the same device.
		`CREATE TABLE IF NOT EXISTS activations (
			id BIGSERIAL PRIMARY KEY,
			key_id UUID NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
			device_id TEXT NOT NULL,
			ip_address TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(key_id, device_id)
		);`,

		// Append-only audit trail, removed only via key deletion cascade
		`CREATE TABLE IF NOT EXISTS activity_logs (
			id BIGSERIAL PRIMARY KEY,
			key_id UUID REFERENCES keys(id) ON DELETE CASCADE,
			action TEXT NOT NULL,
			ip_address TEXT,
			user_agent TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_keys_status_expires ON keys(status, expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_activations_key ON activations(key_id);`,
		`CREATE INDEX IF NOT EXISTS idx_activity_logs_key_time ON activity_logs(key_id, created_at DESC);`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w\nQuery: %s", err, migration)
		}
	}

	return nil
}

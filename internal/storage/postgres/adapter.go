// Package postgres is the PostgreSQL storage adapter, using the pgx driver
// through its database/sql interface.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"metering-gateway/internal/storage"
)

type Adapter struct {
	*storage.SQLStore
	config *Config
}

func NewAdapter(config *Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL config: %w", err)
	}
	return open(config.GetConnectionString(), config)
}

// NewAdapterFromDSN connects with a key=value or URL connection string.
func NewAdapterFromDSN(dsn string) (*Adapter, error) {
	return open(dsn, nil)
}

func open(dsn string, config *Config) (*Adapter, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config == nil {
		// Key=value DSNs carry no pool settings.
		config = &Config{}
		if parsed, err := NewConfigFromURL(dsn); err == nil {
			config = parsed
		}
		config.poolDefaults()
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{
		SQLStore: storage.NewSQLStore(db, storage.Dialect{Name: "postgres", NumberedPlaceholders: true}),
		config:   config,
	}

	if err := adapter.Migrate(ctx, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return adapter, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_account ON instances (account_id)`,
	`CREATE TABLE IF NOT EXISTS usage_points (
		account_id TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		usage_point_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (account_id, usage_point_id)
	)`,
	`CREATE TABLE IF NOT EXISTS meter_readings (
		account_id TEXT NOT NULL,
		usage_point_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		payload TEXT NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (account_id, usage_point_id, endpoint, period_start)
	)`,
}

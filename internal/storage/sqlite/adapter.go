// Package sqlite is the default storage adapter, built on mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"metering-gateway/internal/storage"
)

type Adapter struct {
	*storage.SQLStore
	config *Config
}

func NewAdapter(config *Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SQLite config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.InMemory() {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	adapter := &Adapter{
		SQLStore: storage.NewSQLStore(db, storage.Dialect{Name: "sqlite"}),
		config:   config,
	}

	if err := adapter.Migrate(context.Background(), migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return adapter, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_account ON instances (account_id)`,
	`CREATE TABLE IF NOT EXISTS usage_points (
		account_id TEXT NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		usage_point_id TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (account_id, usage_point_id)
	)`,
	`CREATE TABLE IF NOT EXISTS meter_readings (
		account_id TEXT NOT NULL,
		usage_point_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		payload TEXT NOT NULL,
		fetched_at DATETIME NOT NULL,
		PRIMARY KEY (account_id, usage_point_id, endpoint, period_start)
	)`,
}

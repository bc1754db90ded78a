package storage

import (
	"fmt"

	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/config"
)

// NewStorage creates the adapter selected by cfg.DatabaseType. The adapter
// package must be imported for its side effect of registering itself.
func NewStorage(cfg *config.Config) (Storage, error) {
	switch cfg.DatabaseType {
	case "sqlite":
		return Create("sqlite", GenericConfig{
			"type": "sqlite",
			"path": cfg.DatabasePath,
		})
	case "postgres", "postgresql":
		return Create("postgres", GenericConfig{
			"type":              "postgres",
			"connection_string": cfg.PostgresDSN(),
		})
	}
	return nil, errors.ConfigError(fmt.Sprintf("unsupported database type: %s", cfg.DatabaseType))
}

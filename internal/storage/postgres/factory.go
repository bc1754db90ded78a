package postgres

import (
	"fmt"

	"metering-gateway/internal/storage"
)

type Factory struct{}

func (f *Factory) Create(config storage.StorageConfig) (storage.Storage, error) {
	switch c := config.(type) {
	case *Config:
		return NewAdapter(c)
	case storage.GenericConfig:
		if dsn := c.GetConnectionString(); dsn != "" {
			return NewAdapterFromDSN(dsn)
		}
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}
	return nil, fmt.Errorf("invalid config type for PostgreSQL storage")
}

func (f *Factory) GetType() string {
	return "postgres"
}

func init() {
	storage.Register("postgres", &Factory{})
}

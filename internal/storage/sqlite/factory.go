package sqlite

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
		return NewAdapter(&Config{DatabasePath: c.String("path", DefaultConfig().DatabasePath)})
	}
	return nil, fmt.Errorf("invalid config type for SQLite storage")
}

func (f *Factory) GetType() string {
	return "sqlite"
}

func init() {
	storage.Register("sqlite", &Factory{})
}

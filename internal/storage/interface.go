// Package storage is the relational side of the gateway: the accounts and
// instances it serves, their license status, the usage points linked at
// finalize time and the meter readings fetched by the daily sync.
//
// Accounts and instances are owned by the surrounding platform; the gateway
// only reads them. Usage points and readings are written here.
//
// SQLite and PostgreSQL adapters register themselves with Register and are
// built by NewStorage from the application configuration:
//
//	store, err := storage.NewStorage(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// License statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Account is a tenant of the gateway.
type Account struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the account's license allows gateway use.
func (a *Account) IsActive() bool {
	return a != nil && a.Status == StatusActive
}

// Instance is an installation calling the gateway on behalf of an account.
type Instance struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MeterReading is the upstream answer for one usage point, endpoint and day.
type MeterReading struct {
	AccountID    string    `json:"account_id"`
	UsagePointID string    `json:"usage_point_id"`
	Endpoint     string    `json:"endpoint"`
	Start        string    `json:"start"`
	End          string    `json:"end"`
	Payload      []byte    `json:"payload"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Storage is implemented by every database adapter.
type Storage interface {
	Health(ctx context.Context) error
	Close() error

	UpsertAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	// GetAccountByInstance resolves the account an instance belongs to.
	GetAccountByInstance(ctx context.Context, instanceID string) (*Account, error)
	// ListSyncableAccounts returns active accounts with at least one usage point.
	ListSyncableAccounts(ctx context.Context) ([]*Account, error)

	CreateInstance(ctx context.Context, instance *Instance) error

	SaveUsagePoints(ctx context.Context, accountID string, usagePointIDs []string) error
	ListUsagePoints(ctx context.Context, accountID string) ([]string, error)
	DeleteUsagePoints(ctx context.Context, accountID string) error

	// SaveReading inserts or replaces the reading with the same account,
	// usage point, endpoint and start.
	SaveReading(ctx context.Context, reading *MeterReading) error
	ListReadings(ctx context.Context, accountID, usagePointID string) ([]*MeterReading, error)
}

// StorageConfig is the adapter-specific connection configuration.
type StorageConfig interface {
	Validate() error
	GetType() string
	GetConnectionString() string
}

// GenericConfig is a map-based StorageConfig that adapters convert to their
// own type.
type GenericConfig map[string]interface{}

func (gc GenericConfig) Validate() error { return nil }

func (gc GenericConfig) GetType() string {
	if t, ok := gc["type"].(string); ok {
		return t
	}
	return ""
}

func (gc GenericConfig) GetConnectionString() string {
	if s, ok := gc["connection_string"].(string); ok {
		return s
	}
	return ""
}

// String returns the value of key as a string, or def.
func (gc GenericConfig) String(key, def string) string {
	if v, ok := gc[key].(string); ok && v != "" {
		return v
	}
	return def
}

// StorageFactory builds a Storage from a StorageConfig.
type StorageFactory interface {
	Create(config StorageConfig) (Storage, error)
	GetType() string
}

// Registry maps database types to factories.
type Registry struct {
	factories map[string]StorageFactory
	mu        sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]StorageFactory)}
}

func (r *Registry) Register(storageType string, factory StorageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[storageType] = factory
}

func (r *Registry) Create(storageType string, config StorageConfig) (Storage, error) {
	r.mu.RLock()
	factory, exists := r.factories[storageType]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("storage type %s not registered", storageType)
	}
	return factory.Create(config)
}

var defaultRegistry = NewRegistry()

// Register adds a factory to the default registry.
func Register(storageType string, factory StorageFactory) {
	defaultRegistry.Register(storageType, factory)
}

// Create builds a Storage from the default registry.
func Create(storageType string, config StorageConfig) (Storage, error) {
	return defaultRegistry.Create(storageType, config)
}

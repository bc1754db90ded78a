package sqlite

import (
	"fmt"
)

type Config struct {
	DatabasePath string
}

func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}

func (c *Config) GetType() string {
	return "sqlite"
}

func (c *Config) GetConnectionString() string {
	return c.DatabasePath
}

// InMemory reports whether the database lives only as long as its connection.
func (c *Config) InMemory() bool {
	return c.DatabasePath == ":memory:"
}

func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "./metering_gateway.db",
	}
}

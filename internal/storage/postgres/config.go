package postgres

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultPort = 5432

// Config describes one PostgreSQL database and the pool kept open to it.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Validate requires host, database and user, and fills every other zero field.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("PostgreSQL host is required")
	case c.Database == "":
		return fmt.Errorf("PostgreSQL database name is required")
	case c.Username == "":
		return fmt.Errorf("PostgreSQL username is required")
	}

	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if c.SSLMode == "" {
		c.SSLMode = "prefer"
	}
	c.poolDefaults()
	return nil
}

func (c *Config) poolDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
}

func (c *Config) GetType() string {
	return "postgres"
}

// GetConnectionString returns a postgres:// URL with the credentials escaped.
func (c *Config) GetConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

// NewConfigFromURL reads a postgres:// URL such as the one built from the
// POSTGRES_* settings.
func NewConfigFromURL(connStr string) (*Config, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("invalid PostgreSQL URL scheme %q", u.Scheme)
	}

	config := &Config{
		Host:     u.Hostname(),
		Port:     defaultPort,
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  u.Query().Get("sslmode"),
	}
	if config.Database == "" {
		return nil, fmt.Errorf("PostgreSQL URL has no database name")
	}
	if u.User != nil {
		config.Username = u.User.Username()
		config.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PostgreSQL port %q", p)
		}
		config.Port = port
	}

	return config, config.Validate()
}

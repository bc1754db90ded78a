// Package config provides configuration management for the metering gateway.
// It loads configuration from environment variables with sensible defaults
// and validates it so that the service refuses to start half-configured.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FORMAT: "console" or "json" (default: console)
//   - LOG_TIME_FORMAT: timestamp layout (default: RFC3339)
//   - LOG_FILE: append logs to this file instead of stdout
//   - TLS_CERT_FILE, TLS_KEY_FILE: serve HTTPS when both are set
//   - SHUTDOWN_TIMEOUT: grace period for in-flight requests and jobs (default: 30s)
//
// Database Configuration:
//   - DATABASE_TYPE: "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./metering_gateway.db)
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE: PostgreSQL connection settings
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Security Configuration:
//   - JWT_SECRET: HMAC secret used to verify dashboard and instance tokens (required, min 32 chars)
//   - TOKEN_ENCRYPTION_KEY: key used to encrypt stored OAuth2 tokens (optional)
//
// Provider:
//   - ENEDIS_BACKEND_URL: provider host, without scheme (required)
//   - ENEDIS_BACKEND_SCHEME: https unless overridden (default: https)
//   - ENEDIS_TOKEN_PATH: token endpoint path (default: /oauth2/v3/token)
//   - ENEDIS_GRANT_CLIENT_ID, ENEDIS_GRANT_CLIENT_SECRET: OAuth2 client credentials (required)
//   - ENEDIS_REDIRECT_URI: redirect URI sent with the authorization code
//   - ENEDIS_MAX_REQUESTS_PER_MONTH_PER_ACCOUNT: monthly quota (default: 3000)
//   - ENEDIS_QUOTA_WINDOW: quota window (default: 720h)
//   - TOKEN_SAFETY_MARGIN: refresh tokens expiring within this margin (default: 60s)
//   - TOKEN_REFRESH_LOCK_TTL: lifetime of the per-account refresh lock (default: 30s)
//
// Upstream calls:
//   - UPSTREAM_TIMEOUT: per-attempt timeout (default: 5s)
//   - UPSTREAM_MAX_ATTEMPTS: attempts for a 5xx answer (default: 2, one immediate retry)
//   - UPSTREAM_RETRY_BACKOFF: delay between attempts (default: 0)
//   - UPSTREAM_RPS, UPSTREAM_BURST: process-wide outbound throttle (default: 5/5, 0 disables)
//   - CIRCUIT_BREAKER_ENABLED: wrap provider calls in circuit breakers (default: true)
//
// Jobs:
//   - QUEUE_NAME: Redis key namespace of the job queue (default: enedis)
//   - JOB_MAX_ATTEMPTS: attempts before a job is left failed (default: 3)
//   - JOB_BACKOFF: base retry delay, doubled per attempt (default: 30s)
//   - WORKER_CONCURRENCY: concurrent job processors (default: 4)
//   - STALLED_JOB_TIMEOUT: active jobs older than this are requeued (default: 10m)
//   - SCHEDULER_ENABLED: run the daily cron in this process (default: true)
//   - DAILY_SYNC_CRON: cron spec of the daily fan-out (default: "0 3 * * *")
//   - SCHEDULER_TIMEZONE: cron timezone (default: Europe/Paris)
//
// Result sinks:
//   - SINK_STORAGE_ENABLED: persist readings in the database (default: true)
//   - SINK_REDIS_STREAM: publish readings to this Redis stream when set
//   - SINK_AMQP_URL, SINK_AMQP_EXCHANGE: publish readings to RabbitMQ when set
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration values of the metering gateway.
type Config struct {
	// Application settings
	Port            string
	LogLevel        string
	LogFormat       string
	TLSCertFile     string
	TLSKeyFile      string
	ShutdownTimeout time.Duration

	// Database settings
	DatabaseType     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis settings
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// Security settings
	JWTSecret     string
	EncryptionKey string

	// Provider settings
	EnedisBackendURL    string
	EnedisBackendScheme string
	EnedisTokenPath     string
	EnedisClientID      string
	EnedisClientSecret  string
	EnedisRedirectURI   string
	MonthlyQuota        int
	QuotaWindow         time.Duration
	TokenSafetyMargin   time.Duration
	TokenLockTTL        time.Duration

	// Upstream call policy
	UpstreamTimeout       time.Duration
	UpstreamMaxAttempts   int
	UpstreamRetryBackoff  time.Duration
	UpstreamRPS           float64
	UpstreamBurst         int
	CircuitBreakerEnabled bool

	// Job settings
	QueueName         string
	JobMaxAttempts    int
	JobBackoff        time.Duration
	WorkerConcurrency int
	StalledJobTimeout time.Duration
	SchedulerEnabled  bool
	DailySyncCron     string
	SchedulerTimezone string

	// Result sinks
	SinkStorageEnabled bool
	SinkRedisStream    string
	SinkAMQPURL        string
	SinkAMQPExchange   string

	// In-process cache of account license status
	LicenseCacheTTL time.Duration
}

// Load reads the configuration from the environment.
func Load() *Config {
	return &Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		TLSCertFile:     getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:      getEnv("TLS_KEY_FILE", ""),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./metering_gateway.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "metering_gateway"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPoolSize: getIntEnv("REDIS_POOL_SIZE", 10),

		JWTSecret:     getEnv("JWT_SECRET", ""),
		EncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		EnedisBackendURL:    getEnv("ENEDIS_BACKEND_URL", ""),
		EnedisBackendScheme: getEnv("ENEDIS_BACKEND_SCHEME", "https"),
		EnedisTokenPath:     getEnv("ENEDIS_TOKEN_PATH", "/oauth2/v3/token"),
		EnedisClientID:      getEnv("ENEDIS_GRANT_CLIENT_ID", ""),
		EnedisClientSecret:  getEnv("ENEDIS_GRANT_CLIENT_SECRET", ""),
		EnedisRedirectURI:   getEnv("ENEDIS_REDIRECT_URI", ""),
		MonthlyQuota:        getIntEnv("ENEDIS_MAX_REQUESTS_PER_MONTH_PER_ACCOUNT", 3000),
		QuotaWindow:         getDurationEnv("ENEDIS_QUOTA_WINDOW", 30*24*time.Hour),
		TokenSafetyMargin:   getDurationEnv("TOKEN_SAFETY_MARGIN", 60*time.Second),
		TokenLockTTL:        getDurationEnv("TOKEN_REFRESH_LOCK_TTL", 30*time.Second),

		UpstreamTimeout:       getDurationEnv("UPSTREAM_TIMEOUT", 5*time.Second),
		UpstreamMaxAttempts:   getIntEnv("UPSTREAM_MAX_ATTEMPTS", 2),
		UpstreamRetryBackoff:  getDurationEnv("UPSTREAM_RETRY_BACKOFF", 0),
		UpstreamRPS:           getFloatEnv("UPSTREAM_RPS", 5),
		UpstreamBurst:         getIntEnv("UPSTREAM_BURST", 5),
		CircuitBreakerEnabled: getBoolEnv("CIRCUIT_BREAKER_ENABLED", true),

		QueueName:         getEnv("QUEUE_NAME", "enedis"),
		JobMaxAttempts:    getIntEnv("JOB_MAX_ATTEMPTS", 3),
		JobBackoff:        getDurationEnv("JOB_BACKOFF", 30*time.Second),
		WorkerConcurrency: getIntEnv("WORKER_CONCURRENCY", 4),
		StalledJobTimeout: getDurationEnv("STALLED_JOB_TIMEOUT", 10*time.Minute),
		SchedulerEnabled:  getBoolEnv("SCHEDULER_ENABLED", true),
		DailySyncCron:     getEnv("DAILY_SYNC_CRON", "0 3 * * *"),
		SchedulerTimezone: getEnv("SCHEDULER_TIMEZONE", "Europe/Paris"),

		SinkStorageEnabled: getBoolEnv("SINK_STORAGE_ENABLED", true),
		SinkRedisStream:    getEnv("SINK_REDIS_STREAM", ""),
		SinkAMQPURL:        getEnv("SINK_AMQP_URL", ""),
		SinkAMQPExchange:   getEnv("SINK_AMQP_EXCHANGE", "enedis"),

		LicenseCacheTTL: getDurationEnv("LICENSE_CACHE_TTL", 30*time.Second),
	}
}

// ProviderBaseURL returns the scheme and host of the metering provider.
func (c *Config) ProviderBaseURL() string {
	return fmt.Sprintf("%s://%s", c.EnedisBackendScheme, c.EnedisBackendURL)
}

// TokenURL returns the absolute URL of the provider's token endpoint.
func (c *Config) TokenURL() string {
	return c.ProviderBaseURL() + c.EnedisTokenPath
}

// PostgresDSN builds a pgx connection string from the POSTGRES_* settings.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go duration strings ("30s", "720h").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate checks required fields, value ranges and cross-field dependencies.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long for security")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	switch c.DatabaseType {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}
	if c.DatabaseType == "postgres" || c.DatabaseType == "postgresql" {
		if c.PostgresHost == "" || c.PostgresDB == "" || c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_HOST, POSTGRES_DB and POSTGRES_USER are required when using PostgreSQL")
		}
	}

	if c.RedisAddress == "" {
		return fmt.Errorf("REDIS_ADDRESS is required")
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
	}
	if c.RedisPoolSize < 1 {
		return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
	}

	if c.EnedisBackendURL == "" {
		return fmt.Errorf("ENEDIS_BACKEND_URL environment variable is required")
	}
	if c.EnedisClientID == "" || c.EnedisClientSecret == "" {
		return fmt.Errorf("ENEDIS_GRANT_CLIENT_ID and ENEDIS_GRANT_CLIENT_SECRET are required")
	}
	if c.MonthlyQuota < 1 {
		return fmt.Errorf("ENEDIS_MAX_REQUESTS_PER_MONTH_PER_ACCOUNT must be a positive number")
	}
	if c.QuotaWindow <= 0 {
		return fmt.Errorf("ENEDIS_QUOTA_WINDOW must be a positive duration")
	}
	if c.TokenLockTTL <= c.UpstreamTimeout {
		return fmt.Errorf("TOKEN_REFRESH_LOCK_TTL must be longer than UPSTREAM_TIMEOUT")
	}

	if c.UpstreamMaxAttempts < 1 {
		return fmt.Errorf("UPSTREAM_MAX_ATTEMPTS must be at least 1")
	}
	if c.UpstreamRPS < 0 {
		return fmt.Errorf("UPSTREAM_RPS cannot be negative")
	}

	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.SchedulerEnabled {
		if _, err := cron.ParseStandard(c.DailySyncCron); err != nil {
			return fmt.Errorf("DAILY_SYNC_CRON is not a valid cron expression: %w", err)
		}
		if _, err := time.LoadLocation(c.SchedulerTimezone); err != nil {
			return fmt.Errorf("SCHEDULER_TIMEZONE is not a valid timezone: %w", err)
		}
	}

	if c.EncryptionKey != "" && len(c.EncryptionKey) < 16 {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be at least 16 characters when provided")
	}

	return nil
}

// Package app wires the gateway's components from configuration.
package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"metering-gateway/internal/auth"
	"metering-gateway/internal/circuitbreaker"
	commonhttp "metering-gateway/internal/common/http"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/config"
	"metering-gateway/internal/crypto"
	"metering-gateway/internal/locks"
	"metering-gateway/internal/metrics"
	"metering-gateway/internal/oauth2"
	"metering-gateway/internal/proxy"
	"metering-gateway/internal/queue"
	"metering-gateway/internal/ratelimit"
	"metering-gateway/internal/redis"
	"metering-gateway/internal/scheduler"
	"metering-gateway/internal/sink"
	"metering-gateway/internal/storage"
)

// App holds all the application dependencies
type App struct {
	Config      *config.Config
	Logger      logging.Logger
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	RedisClient *redis.Client
	Storage     storage.Storage
	Cipher      crypto.Cipher
	Locks       *locks.RedsyncManager
	Auth        *auth.Authenticator
	Broker      *oauth2.Broker
	Quota       *ratelimit.QuotaLimiter
	Throttle    *ratelimit.UpstreamThrottle
	Gateway     *proxy.Gateway
	Queue       *queue.RedisQueue
	Scheduler   *scheduler.Scheduler
	Sinks       *sink.Multi
}

// New creates a new application instance with all dependencies
func New(cfg *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	app := &App{
		Config: cfg,
		Logger: logger.WithFields(logging.Field{Key: "component", Value: "app"}),
	}

	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	// Initialize components in order of dependency
	if err := app.initializeMetrics(); err != nil {
		return nil, err
	}
	if err := app.initializeRedis(); err != nil {
		return nil, err
	}
	if err := app.initializeStorage(); err != nil {
		return nil, err
	}
	if err := app.initializeAuth(); err != nil {
		return nil, err
	}
	if err := app.initializeBroker(); err != nil {
		return nil, err
	}
	if err := app.initializeGateway(); err != nil {
		return nil, err
	}
	if err := app.initializeJobs(); err != nil {
		return nil, err
	}

	ok = true
	return app, nil
}

func (app *App) initializeMetrics() error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		return err
	}
	app.Registry = reg
	app.Metrics = m
	return nil
}

func (app *App) initializeAuth() error {
	authenticator, err := auth.NewAuthenticator(app.Config.JWTSecret)
	if err != nil {
		return err
	}
	app.Auth = authenticator

	cipher, err := crypto.NewCipher(app.Config.EncryptionKey)
	if err != nil {
		return err
	}
	app.Cipher = cipher
	if app.Config.EncryptionKey == "" {
		app.Logger.Warn("Token encryption disabled (no TOKEN_ENCRYPTION_KEY provided)")
	} else {
		app.Logger.Info("Token encryption enabled")
	}
	return nil
}

func (app *App) breaker(name string, cfg circuitbreaker.Config) circuitbreaker.Breaker {
	return circuitbreaker.New(app.Config.CircuitBreakerEnabled, name, cfg, app.Logger)
}

func (app *App) initializeBroker() error {
	lockManager, err := locks.NewRedsyncManager(app.RedisClient, 50*time.Millisecond)
	if err != nil {
		return err
	}
	app.Locks = lockManager

	app.Broker = oauth2.NewBroker(
		oauth2.Config{
			ClientID:     app.Config.EnedisClientID,
			ClientSecret: app.Config.EnedisClientSecret,
			TokenURL:     app.Config.TokenURL(),
			RedirectURL:  app.Config.EnedisRedirectURI,
			SafetyMargin: app.Config.TokenSafetyMargin,
			LockTTL:      app.Config.TokenLockTTL,
			Timeout:      app.Config.UpstreamTimeout,
		},
		oauth2.NewRedisTokenStore(app.RedisClient, app.Cipher),
		lockManager,
		app.Storage,
		app.breaker("oauth-token", circuitbreaker.OAuthConfig),
		commonhttp.NewHTTPClientWithTimeout(app.Config.UpstreamTimeout),
		app.Metrics,
		app.Logger,
	)
	return nil
}

func (app *App) initializeGateway() error {
	quota, err := ratelimit.NewQuotaLimiter(app.RedisClient.GetGoRedisClient(), ratelimit.QuotaConfig{
		Limit:  app.Config.MonthlyQuota,
		Window: app.Config.QuotaWindow,
	}, app.Metrics, app.Logger)
	if err != nil {
		return err
	}
	app.Quota = quota
	app.Throttle = ratelimit.NewUpstreamThrottle(app.Config.UpstreamRPS, app.Config.UpstreamBurst)

	app.Gateway = proxy.NewGateway(
		proxy.Config{
			BaseURL: app.Config.ProviderBaseURL(),
			Timeout: app.Config.UpstreamTimeout,
			Retry:   upstreamRetry(app.Config),
		},
		app.Broker,
		commonhttp.NewHTTPClient(
			commonhttp.WithTimeout(app.Config.UpstreamTimeout),
			commonhttp.WithMaxIdleConnsPerHost(max(app.Config.UpstreamBurst, 2)),
		),
		app.Throttle,
		app.breaker("enedis-upstream", circuitbreaker.UpstreamConfig),
		app.Metrics,
		app.Logger,
	)
	return nil
}

func (app *App) initializeJobs() error {
	q, err := queue.NewRedisQueue(app.RedisClient.GetGoRedisClient(), jobQueueConfig(app.Config), app.Logger)
	if err != nil {
		return err
	}
	app.Queue = q

	s, err := scheduler.NewScheduler(scheduler.Config{
		Spec:     app.Config.DailySyncCron,
		Timezone: app.Config.SchedulerTimezone,
	}, q, app.Storage, app.Logger)
	if err != nil {
		return err
	}
	app.Scheduler = s

	sinks, err := sink.FromConfig(app.Config, app.Storage, app.RedisClient, app.Logger)
	if err != nil {
		return err
	}
	app.Sinks = sinks
	app.Logger.Info("Result sinks configured", logging.Field{Key: "count", Value: sinks.Len()})
	return nil
}

// Close releases all resources
func (app *App) Close() {
	if app.Sinks != nil {
		if err := app.Sinks.Close(); err != nil {
			app.Logger.Warn("Error closing result sinks", logging.Field{Key: "error", Value: err.Error()})
		}
	}
	if app.Locks != nil {
		app.Locks.Close()
	}
	if app.Storage != nil {
		app.Storage.Close()
	}
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
}

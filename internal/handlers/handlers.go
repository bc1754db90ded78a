// Package handlers implements the gateway's HTTP endpoints.
package handlers

import (
	"context"
	"net/http"
	"time"

	"metering-gateway/internal/auth"
	"metering-gateway/internal/common/cache"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/common/validation"
	"metering-gateway/internal/middleware"
	"metering-gateway/internal/oauth2"
	"metering-gateway/internal/proxy"
	"metering-gateway/internal/queue"
	"metering-gateway/internal/ratelimit"
	"metering-gateway/internal/storage"
)

// TokenBroker links and unlinks accounts.
type TokenBroker interface {
	// Finalize links accountID. The usage points listed in the provider's
	// token response win; fallbackUsagePoints (the finalize body) is only
	// stored when the provider lists none.
	Finalize(ctx context.Context, accountID, code string, fallbackUsagePoints []string) (*oauth2.TokenRecord, error)
	Unlink(ctx context.Context, accountID string) error
}

// QuotaLimiter spends one request of an account's monthly quota.
type QuotaLimiter interface {
	Consume(ctx context.Context, accountID string) (*ratelimit.Status, error)
}

type Forwarder interface {
	Forward(ctx context.Context, req proxy.Request) (*proxy.Response, error)
}

// AccountLookup resolves the account of an instance caller.
type AccountLookup interface {
	GetAccountByInstance(ctx context.Context, instanceID string) (*storage.Account, error)
}

type QueueCounter interface {
	Counts(ctx context.Context) (queue.JobCounts, error)
}

// HealthCheck reports the health of one dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of Handlers.
type Deps struct {
	Auth     *auth.Authenticator
	Broker   TokenBroker
	Limiter  QuotaLimiter
	Gateway  Forwarder
	Accounts AccountLookup
	Queue    QueueCounter
	Health   map[string]HealthCheck
	// LicenseCacheTTL bounds how stale a license status may be. Zero disables caching.
	LicenseCacheTTL time.Duration
	Logger          logging.Logger
}

type Handlers struct {
	auth            *auth.Authenticator
	broker          TokenBroker
	limiter         QuotaLimiter
	gateway         Forwarder
	accounts        AccountLookup
	queue           QueueCounter
	health          map[string]HealthCheck
	validator       *validation.Validator
	licenses        *cache.LocalCache
	licenseCacheTTL time.Duration
	logger          logging.Logger
}

func New(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	h := &Handlers{
		auth:            deps.Auth,
		broker:          deps.Broker,
		limiter:         deps.Limiter,
		gateway:         deps.Gateway,
		accounts:        deps.Accounts,
		queue:           deps.Queue,
		health:          deps.Health,
		validator:       validation.New(),
		licenseCacheTTL: deps.LicenseCacheTTL,
		logger:          logger.WithFields(logging.Field{Key: "component", Value: "http"}),
	}
	if h.licenseCacheTTL > 0 {
		h.licenses = cache.NewLocalCache(h.licenseCacheTTL, 2*h.licenseCacheTTL)
	}
	return h
}

// RequireDashboard admits dashboard callers only.
func (h *Handlers) RequireDashboard(next http.Handler) http.Handler {
	return h.require(auth.KindDashboard, next)
}

// RequireInstance admits instance callers only.
func (h *Handlers) RequireInstance(next http.Handler) http.Handler {
	return h.require(auth.KindInstance, next)
}

func (h *Handlers) require(kind auth.Kind, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.auth.Authenticate(r, kind)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		ctx := auth.WithIdentity(r.Context(), id)
		if id.AccountID != "" {
			r.Header.Set(middleware.AccountIDHeader, id.AccountID)
			ctx = logging.ContextWithAccountID(ctx, id.AccountID)
		}
		if id.InstanceID != "" {
			r.Header.Set(middleware.InstanceIDHeader, id.InstanceID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

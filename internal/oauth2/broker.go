package oauth2

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	xoauth2 "golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"metering-gateway/internal/circuitbreaker"
	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/locks"
	"metering-gateway/internal/metrics"
)

// Config holds the provider client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RedirectURL  string

	// SafetyMargin is how long before expiry a token stops being served.
	SafetyMargin time.Duration
	// LockTTL bounds how long a refresh may hold the account lock.
	LockTTL time.Duration
	// Timeout bounds a single call to the token endpoint.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.LockTTL <= c.Timeout {
		c.LockTTL = 3 * c.Timeout
	}
	return c
}

// UsagePointStore records the meters linked to an account.
type UsagePointStore interface {
	SaveUsagePoints(ctx context.Context, accountID string, usagePointIDs []string) error
	DeleteUsagePoints(ctx context.Context, accountID string) error
}

// Broker obtains provider tokens on behalf of linked accounts.
type Broker struct {
	config      Config
	oauth       *xoauth2.Config
	store       TokenStore
	locks       locks.Manager
	usagePoints UsagePointStore
	breaker     circuitbreaker.Breaker
	httpClient  *http.Client
	metrics     *metrics.Metrics
	logger      logging.Logger
	group       singleflight.Group
	now         func() time.Time
}

// NewBroker wires a Broker. breaker may be nil to disable circuit breaking.
func NewBroker(
	config Config,
	store TokenStore,
	lockManager locks.Manager,
	usagePoints UsagePointStore,
	breaker circuitbreaker.Breaker,
	httpClient *http.Client,
	m *metrics.Metrics,
	logger logging.Logger,
) *Broker {
	config = config.withDefaults()
	if breaker == nil {
		breaker = circuitbreaker.Noop{}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Broker{
		config: config,
		oauth: &xoauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint: xoauth2.Endpoint{
				TokenURL:  config.TokenURL,
				AuthStyle: xoauth2.AuthStyleInParams,
			},
		},
		store:       store,
		locks:       lockManager,
		usagePoints: usagePoints,
		breaker:     breaker,
		httpClient:  httpClient,
		metrics:     m,
		logger:      logger.WithFields(logging.Field{Key: "component", Value: "token-broker"}),
		now:         time.Now,
	}
}

// Finalize exchanges a one-time authorization code and links the account.
// Usage points come from the token response; fallbackUsagePoints is used when
// the provider does not list any.
func (b *Broker) Finalize(ctx context.Context, accountID, code string, fallbackUsagePoints []string) (*TokenRecord, error) {
	if code == "" {
		return nil, errors.ValidationError("authorization code is required")
	}

	var tok *xoauth2.Token
	err := b.callTokenEndpoint(ctx, func(ctx context.Context) error {
		var err error
		tok, err = b.oauth.Exchange(ctx, code)
		return err
	})
	if err != nil {
		b.logger.Warn("Authorization code exchange failed",
			logging.Field{Key: "account_id", Value: accountID},
			logging.Field{Key: "error", Value: err.Error()},
		)
		return nil, errors.UpstreamAuthError("authorization code exchange failed", err).WithAccount(accountID)
	}

	record := newRecord(accountID, tok, "", b.now())
	if err := b.store.Save(ctx, record); err != nil {
		return nil, errors.InternalError("failed to persist token", err).WithAccount(accountID)
	}

	points := usagePointsFromToken(tok)
	if len(points) == 0 {
		points = normalizeUsagePoints(fallbackUsagePoints)
	}
	if b.usagePoints != nil {
		if err := b.usagePoints.SaveUsagePoints(ctx, accountID, points); err != nil {
			return nil, errors.InternalError("failed to persist usage points", err).WithAccount(accountID)
		}
	}

	b.logger.Info("Account linked",
		logging.Field{Key: "account_id", Value: accountID},
		logging.Field{Key: "usage_points", Value: len(points)},
	)
	return record, nil
}

// GetValidToken returns an access token valid for at least the safety margin,
// refreshing it when needed.
func (b *Broker) GetValidToken(ctx context.Context, accountID string) (string, error) {
	record, err := b.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	if record.IsValid(b.now(), b.config.SafetyMargin) {
		return record.AccessToken, nil
	}

	// Followers share the leader's result, so the refresh must not inherit the
	// cancellation of whichever caller happened to arrive first. It may wait
	// one full lock TTL for another instance and then run its own refresh.
	result := b.group.DoChan(accountID, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*b.config.LockTTL)
		defer cancel()
		return b.refresh(refreshCtx, accountID)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", errors.TimeoutError("token refresh").WithAccount(accountID)
	}
}

// Unlink forgets the account's token and usage points.
func (b *Broker) Unlink(ctx context.Context, accountID string) error {
	if err := b.store.Delete(ctx, accountID); err != nil {
		return errors.InternalError("failed to delete token", err).WithAccount(accountID)
	}
	if b.usagePoints != nil {
		if err := b.usagePoints.DeleteUsagePoints(ctx, accountID); err != nil {
			return errors.InternalError("failed to delete usage points", err).WithAccount(accountID)
		}
	}
	b.logger.Info("Account unlinked", logging.Field{Key: "account_id", Value: accountID})
	return nil
}

func (b *Broker) load(ctx context.Context, accountID string) (*TokenRecord, error) {
	record, err := b.store.Load(ctx, accountID)
	if err != nil {
		return nil, errors.ConnectionError("failed to read token store", err).WithAccount(accountID)
	}
	if record == nil {
		return nil, errors.ForbiddenError("account is not linked to the metering provider").WithAccount(accountID)
	}
	return record, nil
}

// refresh runs under the per-account distributed lock. The record is read
// again once the lock is held: another instance may have refreshed it while
// we were waiting.
func (b *Broker) refresh(ctx context.Context, accountID string) (string, error) {
	lock, err := b.locks.AcquireLock(ctx, "token-refresh:"+accountID, b.config.LockTTL)
	if err != nil {
		return "", err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			b.logger.Warn("Failed to release refresh lock",
				logging.Field{Key: "account_id", Value: accountID},
				logging.Field{Key: "error", Value: err.Error()},
			)
		}
	}()

	current, err := b.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	if current.IsValid(b.now(), b.config.SafetyMargin) {
		b.metrics.RecordTokenRefresh(metrics.ResultReused)
		return current.AccessToken, nil
	}

	var tok *xoauth2.Token
	err = b.callTokenEndpoint(ctx, func(ctx context.Context) error {
		source := b.oauth.TokenSource(ctx, &xoauth2.Token{
			RefreshToken: current.RefreshToken,
			Expiry:       time.Unix(1, 0),
		})
		var err error
		tok, err = source.Token()
		return err
	})
	if err != nil {
		b.metrics.RecordTokenRefresh(metrics.ResultFailed)
		b.logger.Error("Token refresh failed", err, logging.Field{Key: "account_id", Value: accountID})
		return "", errors.UpstreamAuthError("token refresh failed", err).WithAccount(accountID)
	}

	record := newRecord(accountID, tok, current.RefreshToken, b.now())
	record.Scope = firstNonEmpty(record.Scope, current.Scope)
	if err := b.store.Save(ctx, record); err != nil {
		return "", errors.InternalError("failed to persist refreshed token", err).WithAccount(accountID)
	}

	b.metrics.RecordTokenRefresh(metrics.ResultSuccess)
	b.logger.Debug("Token refreshed",
		logging.Field{Key: "account_id", Value: accountID},
		logging.Field{Key: "expires_at", Value: record.ExpiresAt},
	)
	return record.AccessToken, nil
}

// callTokenEndpoint runs fn inside the breaker with a bounded timeout and
// classifies provider failures so that only 5xx and transport errors count
// against the circuit.
func (b *Broker) callTokenEndpoint(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, xoauth2.HTTPClient, b.httpClient)

	err := b.breaker.Execute(ctx, func() error {
		return classifyTokenError(ctx, fn(ctx))
	})
	if circuitbreaker.IsOpen(err) {
		return errors.UpstreamServerError(http.StatusServiceUnavailable, nil, err)
	}
	return err
}

func classifyTokenError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var retrieveErr *xoauth2.RetrieveError
	if stderrors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		if status >= 500 {
			return errors.UpstreamServerError(status, retrieveErr.Body, err)
		}
		return errors.UpstreamClientError(status, retrieveErr.Body)
	}

	if ctx.Err() != nil {
		return errors.TimeoutError("token endpoint call")
	}
	return errors.ConnectionError(fmt.Sprintf("token endpoint unreachable: %v", err), err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

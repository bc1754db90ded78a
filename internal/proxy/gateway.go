// Package proxy forwards metering requests to the provider on behalf of a
// linked account.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/samber/lo"
	"metering-gateway/internal/circuitbreaker"
	"metering-gateway/internal/common/errors"
	commonhttp "metering-gateway/internal/common/http"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/metrics"
	"metering-gateway/internal/ratelimit"
)

// Metering endpoints that may be forwarded.
const (
	EndpointLoadCurve        = "/v4/metering_data/consumption_load_curve"
	EndpointDailyMaxPower    = "/v4/metering_data/daily_consumption_max_power"
	EndpointDailyConsumption = "/v4/metering_data/daily_consumption"
)

// Endpoints lists every forwardable path, in the order the daily sync visits them.
var Endpoints = []string{EndpointLoadCurve, EndpointDailyMaxPower, EndpointDailyConsumption}

// IsAllowedPath reports whether p is one of Endpoints.
func IsAllowedPath(p string) bool {
	return lo.Contains(Endpoints, p)
}

// TokenSource hands out a valid access token for an account.
type TokenSource interface {
	GetValidToken(ctx context.Context, accountID string) (string, error)
}

// Request is one call to forward.
type Request struct {
	AccountID string
	Method    string
	Path      string
	// RawQuery is sent as is.
	RawQuery string
	// Body is resent whole on every attempt. The metering endpoints are GET
	// only, so it is normally empty.
	Body []byte
}

// Response is a successful upstream answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Config holds the upstream call policy.
type Config struct {
	BaseURL string
	// Timeout bounds each attempt.
	Timeout time.Duration
	Retry   commonhttp.RetryPolicy
}

// Gateway forwards requests with the account's bearer token.
type Gateway struct {
	config   Config
	tokens   TokenSource
	client   *http.Client
	throttle *ratelimit.UpstreamThrottle
	breaker  circuitbreaker.Breaker
	metrics  *metrics.Metrics
	logger   logging.Logger
}

// NewGateway creates a Gateway. throttle, breaker and m may be nil.
func NewGateway(
	config Config,
	tokens TokenSource,
	client *http.Client,
	throttle *ratelimit.UpstreamThrottle,
	breaker circuitbreaker.Breaker,
	m *metrics.Metrics,
	logger logging.Logger,
) *Gateway {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = commonhttp.SingleImmediateRetry()
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if client == nil {
		client = commonhttp.NewHTTPClient()
	}
	if breaker == nil {
		breaker = circuitbreaker.Noop{}
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Gateway{
		config:   config,
		tokens:   tokens,
		client:   client,
		throttle: throttle,
		breaker:  breaker,
		metrics:  m,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "proxy-gateway"}),
	}
}

// Forward sends req upstream. 4xx answers come back as UpstreamClientError
// with the provider's body; 5xx answers, timeouts and transport failures are
// retried per the retry policy and then reported as UpstreamServerError.
func (g *Gateway) Forward(ctx context.Context, req Request) (*Response, error) {
	if !IsAllowedPath(req.Path) {
		return nil, errors.ValidationError("unsupported metering endpoint").WithContext("path", req.Path)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	token, err := g.tokens.GetValidToken(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	var resp *Response
	err = g.breaker.Execute(ctx, func() error {
		var err error
		resp, err = g.forwardWithRetry(ctx, req, token)
		return err
	})
	if err != nil {
		if circuitbreaker.IsOpen(err) {
			return nil, errors.UpstreamServerError(http.StatusServiceUnavailable, nil, err).WithAccount(req.AccountID)
		}
		return nil, err
	}
	return resp, nil
}

func (g *Gateway) forwardWithRetry(ctx context.Context, req Request, token string) (*Response, error) {
	var lastErr error
	attempts := g.config.Retry.Attempts()

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			g.metrics.RecordUpstreamRetry()
			if delay := g.config.Retry.Delay(attempt); delay > 0 {
				select {
				case <-ctx.Done():
					return nil, errors.TimeoutError("upstream retry backoff").WithAccount(req.AccountID)
				case <-time.After(delay):
				}
			}
		}

		resp, err := g.do(ctx, req, token)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}

		g.logger.WithContext(ctx).Warn("Upstream attempt failed",
			logging.Field{Key: "account_id", Value: req.AccountID},
			logging.Field{Key: "path", Value: req.Path},
			logging.Field{Key: "attempt", Value: attempt},
			logging.Field{Key: "max_attempts", Value: attempts},
			logging.Field{Key: "error", Value: err.Error()},
		)
	}

	return nil, lastErr
}

func (g *Gateway) do(ctx context.Context, req Request, token string) (*Response, error) {
	if err := g.throttle.Wait(ctx); err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	target := g.config.BaseURL + req.Path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}

	var reqBody io.Reader
	if len(req.Body) > 0 {
		reqBody = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, reqBody)
	if err != nil {
		return nil, errors.InternalError("failed to build upstream request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	endpoint := path.Base(req.Path)

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		g.metrics.RecordUpstream(endpoint, commonhttp.StatusClass(0))
		return nil, errors.UpstreamServerError(0, nil, err).WithAccount(req.AccountID)
	}

	body, err := commonhttp.ReadBody(httpResp)
	if err != nil {
		g.metrics.RecordUpstream(endpoint, commonhttp.StatusClass(0))
		return nil, errors.UpstreamServerError(0, nil, err).WithAccount(req.AccountID)
	}

	status := httpResp.StatusCode
	g.metrics.RecordUpstream(endpoint, commonhttp.StatusClass(status))

	switch {
	case status >= 500:
		return nil, errors.UpstreamServerError(status, body, nil).
			WithAccount(req.AccountID).
			WithContext("status", status)
	case status >= 400:
		return nil, errors.UpstreamClientError(status, body).
			WithAccount(req.AccountID).
			WithContext("status", status)
	}

	return &Response{
		Status: status,
		Header: httpResp.Header.Clone(),
		Body:   body,
	}, nil
}

package http

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// ClientConfig holds HTTP client configuration
type ClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Transport           http.RoundTripper
}

// DefaultClientConfig returns default HTTP client configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
}

// ClientOption is a function that modifies ClientConfig
type ClientOption func(*ClientConfig)

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.Timeout = timeout
	}
}

// WithMaxIdleConnsPerHost sets the maximum number of idle connections per host
func WithMaxIdleConnsPerHost(max int) ClientOption {
	return func(c *ClientConfig) {
		c.MaxIdleConnsPerHost = max
	}
}

// WithTransport sets a custom transport
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *ClientConfig) {
		c.Transport = transport
	}
}

// NewHTTPClient creates a new HTTP client with the given options
func NewHTTPClient(opts ...ClientOption) *http.Client {
	cfg := DefaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		}
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// NewHTTPClientWithTimeout creates a new HTTP client with the specified timeout
func NewHTTPClientWithTimeout(timeout time.Duration) *http.Client {
	return NewHTTPClient(WithTimeout(timeout))
}

// RetryPolicy describes how many times an operation is attempted and how long
// to wait between attempts.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// SingleImmediateRetry is the upstream default: one retry, no delay.
func SingleImmediateRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2}
}

// Delay returns the wait before the given attempt (1-based). The first
// attempt never waits.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.InitialDelay <= 0 {
		return 0
	}

	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.InitialDelay)
	for i := 2; i < attempt; i++ {
		delay *= factor
		if p.MaxDelay > 0 && time.Duration(delay) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return time.Duration(delay)
}

// Attempts returns MaxAttempts, never less than one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// MaxBodySize bounds how much of an upstream response is buffered.
const MaxBodySize = 10 << 20

// ReadBody reads and closes resp.Body, refusing bodies over MaxBodySize.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("response body exceeds %d bytes", MaxBodySize)
	}
	return body, nil
}

// StatusClass returns "2xx", "4xx" and so on, or "error" for status 0.
func StatusClass(status int) string {
	if status < 100 {
		return "error"
	}
	return fmt.Sprintf("%dxx", status/100)
}

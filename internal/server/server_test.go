package server_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"metering-gateway/internal/auth"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/handlers"
	"metering-gateway/internal/metrics"
	"metering-gateway/internal/middleware"
	"metering-gateway/internal/server"
)

func newRouter(t *testing.T) (http.Handler, *prometheus.Registry) {
	t.Helper()
	authn, err := auth.NewAuthenticator("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)
	m.RecordQuotaRejection()

	h := handlers.New(handlers.Deps{
		Auth: authn,
		Health: map[string]handlers.HealthCheck{
			"redis": func(context.Context) error { return nil },
		},
		Logger: logging.NewNopLogger(),
	})
	return server.NewRouter(h, reg, logging.NewNopLogger()), reg
}

func TestRouter_Health(t *testing.T) {
	router, _ := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestRouter_Metrics(t *testing.T) {
	router, _ := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "quota_rejections_total")
}

func TestRouter_ProtectedRoutes(t *testing.T) {
	router, _ := newRouter(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/enedis/finalize"},
		{http.MethodDelete, "/enedis/link"},
		{http.MethodGet, "/enedis/queue/counts"},
		{http.MethodGet, "/enedis/api/v4/metering_data/daily_consumption"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router, _ := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/enedis/api/v4/metering_data/daily_consumption", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	router, _ := newRouter(t)
	srv := server.New(router, strconv.Itoa(port), "", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, 5*time.Second) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

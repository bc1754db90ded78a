// Package server exposes the gateway's HTTP API.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/handlers"
	"metering-gateway/internal/middleware"
)

// NewRouter registers every route. gatherer may be nil to omit /metrics.
func NewRouter(h *handlers.Handlers, gatherer prometheus.Gatherer, logger logging.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.Logging(logger), middleware.Recover(logger))

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	enedis := r.PathPrefix("/enedis").Subrouter()
	enedis.Handle("/finalize", h.RequireDashboard(http.HandlerFunc(h.Finalize))).Methods(http.MethodPost)
	enedis.Handle("/link", h.RequireDashboard(http.HandlerFunc(h.Unlink))).Methods(http.MethodDelete)
	enedis.Handle("/queue/counts", h.RequireDashboard(http.HandlerFunc(h.QueueCounts))).Methods(http.MethodGet)
	enedis.Handle("/api/{path:.+}", h.RequireInstance(http.HandlerFunc(h.MeteringAPI))).Methods(http.MethodGet)

	return r
}

// Server represents an HTTP server
type Server struct {
	srv     *http.Server
	tlsCert string
	tlsKey  string
}

// New creates a new server instance
func New(handler http.Handler, port, tlsCert, tlsKey string) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		tlsCert: tlsCert,
		tlsKey:  tlsKey,
	}
}

// Run serves until ctx is cancelled, then shuts down within shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.tlsCert != "" && s.tlsKey != "" {
			s.srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = s.srv.ListenAndServeTLS(s.tlsCert, s.tlsKey)
		} else {
			err = s.srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

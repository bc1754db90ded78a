// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"metering-gateway/internal/common/logging"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// Headers set on the request by the authentication layer for logging. Values
// sent by the client are dropped.
const (
	AccountIDHeader  = "X-Account-ID"
	InstanceIDHeader = "X-Instance-ID"
)

// RequestIDFromContext returns the id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	return logging.RequestIDFromContext(ctx)
}

// RequestID keeps the caller's X-Request-ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Logging logs every request with method, path, status and duration.
// Query strings are left out: they carry meter identifiers.
func Logging(logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			r.Header.Del(AccountIDHeader)
			r.Header.Del(InstanceIDHeader)

			next.ServeHTTP(wrapped, r)

			fields := []logging.Field{
				{Key: "method", Value: r.Method},
				{Key: "path", Value: r.URL.Path},
				{Key: "status", Value: wrapped.statusCode},
				{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
				{Key: "remote_addr", Value: r.RemoteAddr},
			}
			if id := RequestIDFromContext(r.Context()); id != "" {
				fields = append(fields, logging.Field{Key: "request_id", Value: id})
			}
			if ua := r.Header.Get("User-Agent"); ua != "" {
				fields = append(fields, logging.Field{Key: "user_agent", Value: ua})
			}
			if accountID := r.Header.Get(AccountIDHeader); accountID != "" {
				fields = append(fields, logging.Field{Key: "account_id", Value: accountID})
			}
			if instanceID := r.Header.Get(InstanceIDHeader); instanceID != "" {
				fields = append(fields, logging.Field{Key: "instance_id", Value: instanceID})
			}

			switch {
			case wrapped.statusCode >= 500:
				logger.Error("HTTP request completed", nil, fields...)
			case wrapped.statusCode >= 400:
				logger.Warn("HTTP request completed", fields...)
			default:
				logger.Info("HTTP request completed", fields...)
			}
		})
	}
}

// Recover turns a handler panic into a 500.
func Recover(logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("HTTP handler panicked", fmt.Errorf("%v", rec),
						logging.Field{Key: "path", Value: r.URL.Path},
						logging.Field{Key: "request_id", Value: RequestIDFromContext(r.Context())},
						logging.Field{Key: "stack", Value: string(debug.Stack())},
					)
					w.Header().Set("Content-Type", "application/json; charset=utf-8")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"status":500,"error_code":"SERVER_ERROR"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

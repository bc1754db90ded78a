package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/ratelimit"
)

// errorBody is the JSON shape of every error the gateway produces itself.
type errorBody struct {
	Status       int                  `json:"status"`
	ErrorCode    string               `json:"error_code"`
	ErrorMessage string               `json:"error_message,omitempty"`
	Details      []errors.FieldDetail `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorCode(appErr *errors.AppError, status int) string {
	if appErr != nil && appErr.Code != "" {
		return appErr.Code
	}
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusTooManyRequests:
		return "TOO_MANY_REQUESTS"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusBadGateway:
		return "BAD_GATEWAY"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "GATEWAY_TIMEOUT"
	}
	if status >= 500 {
		return "SERVER_ERROR"
	}
	return "ERROR"
}

// writeError maps err to its HTTP status. Provider answers that carry a body
// are relayed verbatim.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	appErr, _ := errors.As(err)

	if d, ok := ratelimit.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}

	if status >= 500 {
		h.logger.Error("Request failed", err,
			logging.Field{Key: "path", Value: r.URL.Path},
			logging.Field{Key: "status", Value: status},
		)
	}

	if appErr != nil && len(appErr.Body) > 0 &&
		(appErr.Type == errors.ErrTypeUpstreamClient || appErr.Type == errors.ErrTypeUpstreamServer) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write(appErr.Body)
		return
	}

	body := errorBody{Status: status, ErrorCode: errorCode(appErr, status)}
	if appErr != nil {
		body.ErrorMessage = appErr.Message
		body.Details = appErr.Details
	} else {
		body.ErrorMessage = http.StatusText(status)
	}
	if len(body.Details) > 0 {
		body.ErrorMessage = ""
	}
	writeJSON(w, status, body)
}

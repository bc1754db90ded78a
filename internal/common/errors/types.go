package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeConnection represents connection-related errors
	ErrTypeConnection ErrorType = "connection"
	// ErrTypeValidation represents malformed request parameters
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeAuth represents caller authentication errors
	ErrTypeAuth ErrorType = "authentication"
	// ErrTypeForbidden represents an account that may not use the gateway
	ErrTypeForbidden ErrorType = "forbidden"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
	// ErrTypeTimeout represents timeout errors
	ErrTypeTimeout ErrorType = "timeout"
	// ErrTypeQuotaExceeded represents an exhausted monthly quota
	ErrTypeQuotaExceeded ErrorType = "quota_exceeded"
	// ErrTypeUpstreamAuth represents a rejected token exchange or refresh
	ErrTypeUpstreamAuth ErrorType = "upstream_auth"
	// ErrTypeUpstreamClient represents a 4xx answer from the provider
	ErrTypeUpstreamClient ErrorType = "upstream_client"
	// ErrTypeUpstreamServer represents a 5xx answer (or its equivalent) from the provider
	ErrTypeUpstreamServer ErrorType = "upstream_server"
)

// FieldDetail describes one invalid field of a rejected request.
type FieldDetail struct {
	Message string            `json:"message"`
	Path    []string          `json:"path"`
	Type    string            `json:"type"`
	Context map[string]string `json:"context"`
}

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Status  int                    `json:"status,omitempty"`
	Body    []byte                 `json:"-"`
	Details []FieldDetail          `json:"details,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// WithAccount tags the error with the account it concerns
func (e *AppError) WithAccount(accountID string) *AppError {
	return e.WithContext("account_id", accountID)
}

// ConnectionError creates a new connection error
func ConnectionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConnection,
		Message: msg,
		Cause:   cause,
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
		Code:    "UNPROCESSABLE_ENTITY",
	}
}

// FieldValidationError creates a validation error carrying per-field details
func FieldValidationError(details []FieldDetail) *AppError {
	err := ValidationError("request validation failed")
	err.Details = details
	return err
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// AuthError creates a new authentication error
func AuthError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeAuth,
		Message: msg,
		Code:    "UNAUTHORIZED",
	}
}

// ForbiddenError creates an error for an account that is not allowed to proceed
func ForbiddenError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeForbidden,
		Message: msg,
		Code:    "FORBIDDEN",
	}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Code:    "NOT_FOUND",
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// TimeoutError creates a new timeout error
func TimeoutError(operation string) *AppError {
	return &AppError{
		Type:    ErrTypeTimeout,
		Message: fmt.Sprintf("timeout during %s", operation),
	}
}

// QuotaExceededError creates the error returned once an account used its monthly quota
func QuotaExceededError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeQuotaExceeded,
		Message: msg,
		Code:    "TOO_MANY_REQUESTS",
	}
}

// UpstreamAuthError creates an error for a failed code exchange or token refresh
func UpstreamAuthError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeUpstreamAuth,
		Message: msg,
		Code:    "UPSTREAM_AUTH",
		Cause:   cause,
	}
}

// UpstreamClientError wraps a 4xx answer so that it can be relayed verbatim
func UpstreamClientError(status int, body []byte) *AppError {
	return &AppError{
		Type:    ErrTypeUpstreamClient,
		Message: fmt.Sprintf("upstream answered %d", status),
		Status:  status,
		Body:    body,
	}
}

// UpstreamServerError wraps a 5xx answer, a transport failure or a timeout.
// status is 0 when no response was received.
func UpstreamServerError(status int, body []byte, cause error) *AppError {
	msg := "upstream unavailable"
	if status != 0 {
		msg = fmt.Sprintf("upstream answered %d", status)
	}
	return &AppError{
		Type:    ErrTypeUpstreamServer,
		Message: msg,
		Status:  status,
		Body:    body,
		Cause:   cause,
	}
}

// As returns the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	appErr, ok := As(err)
	if !ok {
		return ErrTypeInternal
	}

	return appErr.Type
}

// IsRetryable reports whether an operation failing with err may succeed on a
// later attempt. An upstream_auth error is retryable when its cause is: a token
// call that hit a 5xx, a timeout or a dead connection was not a rejection.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Type {
	case ErrTypeUpstreamServer, ErrTypeConnection, ErrTypeTimeout:
		return true
	case ErrTypeUpstreamAuth:
		return appErr.Cause != nil && IsRetryable(appErr.Cause)
	}
	return false
}

// HTTPStatus maps an error to the status code surfaced to HTTP callers
func HTTPStatus(err error) int {
	appErr, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}

	switch appErr.Type {
	case ErrTypeValidation:
		return http.StatusUnprocessableEntity
	case ErrTypeAuth:
		return http.StatusUnauthorized
	case ErrTypeForbidden:
		return http.StatusForbidden
	case ErrTypeNotFound:
		return http.StatusNotFound
	case ErrTypeQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrTypeUpstreamAuth:
		if appErr.Cause != nil && IsRetryable(appErr.Cause) {
			return HTTPStatus(appErr.Cause)
		}
		return http.StatusBadRequest
	case ErrTypeUpstreamClient:
		if appErr.Status != 0 {
			return appErr.Status
		}
		return http.StatusBadRequest
	case ErrTypeUpstreamServer:
		if appErr.Status >= 500 {
			return appErr.Status
		}
		return http.StatusBadGateway
	case ErrTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrTypeConnection:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

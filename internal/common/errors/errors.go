// Package errors provides structured error handling for the session gateway
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorCode represents an application error code
type ErrorCode string

const (
	// General errors
	ErrInternal       ErrorCode = "INTERNAL_ERROR"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrRateLimit      ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrBadGateway     ErrorCode = "BAD_GATEWAY"
	ErrGatewayTimeout ErrorCode = "GATEWAY_TIMEOUT"

	// Session and authentication errors
	ErrAuthenticationRequired   ErrorCode = "AUTHENTICATION_REQUIRED"
	ErrReauthenticationRequired ErrorCode = "REAUTHENTICATION_REQUIRED"
	ErrCSRFRejected             ErrorCode = "CSRF_REJECTED"
	ErrInvalidReturnURL         ErrorCode = "INVALID_RETURN_URL"
	ErrInvalidLogoutToken       ErrorCode = "INVALID_LOGOUT_TOKEN"
	ErrUpstreamRefreshFailed    ErrorCode = "UPSTREAM_REFRESH_FAILED"
)

// AppError represents a structured application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	StatusCode int                    `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"` // Original error for logging
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the original error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithMetadata adds metadata to the error
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Internal creates an internal server error
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrInternal,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// Conflict creates a conflict error. Conflicts are retryable.
func Conflict(message string, err error) *AppError {
	return (&AppError{
		Code:       ErrConflict,
		Message:    message,
		StatusCode: http.StatusConflict,
		Err:        err,
	}).WithMetadata("retryable", true)
}

// RateLimit creates a rate limit error
func RateLimit(message string) *AppError {
	return &AppError{
		Code:       ErrRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
	}
}

// AuthenticationRequired is returned when the caller has no usable session
func AuthenticationRequired(details string) *AppError {
	return &AppError{
		Code:       ErrAuthenticationRequired,
		Message:    "Authentication required",
		Details:    details,
		StatusCode: http.StatusUnauthorized,
	}
}

// ReauthenticationRequired is returned when the session exists but its token
// material can no longer be renewed
func ReauthenticationRequired(err error) *AppError {
	return &AppError{
		Code:       ErrReauthenticationRequired,
		Message:    "Session must be re-established",
		StatusCode: http.StatusUnauthorized,
		Err:        err,
	}
}

// CSRFRejected is returned when the anti-forgery header is missing
func CSRFRejected(header string) *AppError {
	return (&AppError{
		Code:       ErrCSRFRejected,
		Message:    "Anti-forgery header missing",
		StatusCode: http.StatusUnauthorized,
	}).WithMetadata("header", header)
}

// InvalidReturnURL rejects a login or logout redirect target
func InvalidReturnURL(returnURL string) *AppError {
	return (&AppError{
		Code:       ErrInvalidReturnURL,
		Message:    "Return URL is not allowed",
		StatusCode: http.StatusBadRequest,
	}).WithMetadata("return_url", returnURL)
}

// InvalidLogoutToken rejects a back-channel logout notification
func InvalidLogoutToken(err error) *AppError {
	return &AppError{
		Code:       ErrInvalidLogoutToken,
		Message:    "Logout token is invalid",
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

// UpstreamRefreshFailed is returned when the issuer rejected or did not
// answer a token refresh
func UpstreamRefreshFailed(err error) *AppError {
	return &AppError{
		Code:       ErrUpstreamRefreshFailed,
		Message:    "Token refresh failed",
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

// GatewayTimeout is returned when an upstream call did not finish in time
func GatewayTimeout(err error) *AppError {
	return &AppError{
		Code:       ErrGatewayTimeout,
		Message:    "Upstream request timed out",
		StatusCode: http.StatusGatewayTimeout,
		Err:        err,
	}
}

// BadGateway is returned when the upstream could not be reached
func BadGateway(err error) *AppError {
	return &AppError{
		Code:       ErrBadGateway,
		Message:    "Failed to reach upstream service",
		StatusCode: http.StatusBadGateway,
		Err:        err,
	}
}

// ErrorResponse is the JSON response structure for errors
type ErrorResponse struct {
	Error     ErrorCode              `json:"error"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HandleError sends an error response to the client and aborts the chain
func HandleError(c *gin.Context, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = Internal("An unexpected error occurred", err)
	}

	correlationID, _ := c.Get("correlation_id")
	reqIDStr, _ := correlationID.(string)

	response := ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: reqIDStr,
	}

	_ = c.Error(appErr)
	c.AbortWithStatusJSON(appErr.StatusCode, response)
}

// IsErrorCode checks if an error has a specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetStatusCode returns the HTTP status code for an error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

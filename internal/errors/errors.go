// Package errors categorizes failures so callers can map them to HTTP
// responses and decide whether a retry makes sense.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/quake-mirror/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents rejected input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryConflict represents a request that clashes with current state
	CategoryConflict ErrorCategory = "conflict"
	// CategoryAuthorization represents a request the server refuses to serve
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents a missing resource
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit represents throttled requests
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryUpstream represents failures of the upstream event feed
	CategoryUpstream ErrorCategory = "upstream"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategorySystem represents everything else (5xx)
	CategorySystem ErrorCategory = "system"
)

// Error codes shared with API clients
const (
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeInvalidRange       = "INVALID_RANGE"
	CodeBackfillInProgress = "BACKFILL_IN_PROGRESS"
	CodeAdminDisabled      = "ADMIN_DISABLED"
	CodeNotFound           = "NOT_FOUND"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeUpstreamError      = "UPSTREAM_ERROR"
	CodeUpstreamTimeout    = "UPSTREAM_TIMEOUT"
	CodeDatabaseError      = "DATABASE_ERROR"
	CodeCacheError         = "CACHE_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the wire representation
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewInvalidRangeError creates an error for a start that is not before end
func NewInvalidRangeError(start, end fmt.Stringer) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidRange,
		Message:    fmt.Sprintf("start (%s) must be before end (%s)", start, end),
		Details: map[string]interface{}{
			"start": start.String(),
			"end":   end.String(),
		},
	}
}

// NewBackfillInProgressError creates the conflict returned to a second start request
func NewBackfillInProgressError(runID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeBackfillInProgress,
		Message:    "a backfill is already in progress",
		Details: map[string]interface{}{
			"runId": runID,
		},
	}
}

// NewAdminDisabledError rejects mutating admin calls when admin mode is off
func NewAdminDisabledError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeAdminDisabled,
		Message:    "administrative operations are disabled",
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    "rate limit exceeded",
	}
}

// NewUpstreamError wraps a failed call to the upstream feed
func NewUpstreamError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusBadGateway,
		Code:       CodeUpstreamError,
		Message:    fmt.Sprintf("upstream feed error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewUpstreamTimeoutError wraps an upstream call that exceeded its deadline
func NewUpstreamTimeoutError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusGatewayTimeout,
		Code:       CodeUpstreamTimeout,
		Message:    fmt.Sprintf("upstream feed timed out during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCacheError,
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize finds the categorized error in err's chain, or wraps err as internal
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Code == code
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is worth retrying
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryUpstream, CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

package models

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned in the API error envelope.
const (
	CodeInvalidURL          = "INVALID_URL_ERROR"
	CodeSSL                 = "SSL_ERROR"
	CodeDNSResolution       = "DNS_RESOLUTION_ERROR"
	CodeTimeout             = "TIMEOUT_ERROR"
	CodeUnsupportedFile     = "UNSUPPORTED_FILE_ERROR"
	CodeZDRViolation        = "ZDR_VIOLATION_ERROR"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS_ERROR"
	CodeForbidden           = "FORBIDDEN_ERROR"
	CodeNotFound            = "NOT_FOUND_ERROR"
	CodeJobExpired          = "JOB_EXPIRED_ERROR"
	CodeValidation          = "VALIDATION_ERROR"
	CodeRateLimit           = "RATE_LIMIT_ERROR"
	CodeConcurrencyLimit    = "CONCURRENCY_LIMIT_ERROR"
	CodeInternal            = "INTERNAL_SERVER_ERROR"
)

// RequestError is an error with an API code and HTTP status. Handlers
// unwrap it with errors.As to shape the error envelope.
type RequestError struct {
	Code    string `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsRequestError extracts a RequestError from err, or wraps err as an
// internal error when it carries no code.
func AsRequestError(err error) *RequestError {
	var re *RequestError
	if errors.As(err, &re) {
		return re
	}
	return &RequestError{
		Code:    CodeInternal,
		Status:  http.StatusInternalServerError,
		Message: "An unexpected error occurred. Please try again later.",
	}
}

// NewValidationError flags a malformed or out-of-range request field.
func NewValidationError(format string, args ...any) *RequestError {
	return &RequestError{Code: CodeValidation, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NewInvalidURLError flags a URL that failed validation before fetch.
func NewInvalidURLError(rawURL string) *RequestError {
	return &RequestError{Code: CodeInvalidURL, Status: http.StatusBadRequest, Message: fmt.Sprintf("invalid URL: %s", rawURL)}
}

// NewInsufficientCreditsError signals a zero or negative credit balance.
func NewInsufficientCreditsError() *RequestError {
	return &RequestError{Code: CodeInsufficientCredits, Status: http.StatusPaymentRequired, Message: "insufficient credits to perform this request"}
}

// NewForbiddenError signals an authenticated but unauthorized action.
func NewForbiddenError(msg string) *RequestError {
	return &RequestError{Code: CodeForbidden, Status: http.StatusForbidden, Message: msg}
}

// NewNotFoundError signals an unknown or inaccessible resource.
func NewNotFoundError(msg string) *RequestError {
	return &RequestError{Code: CodeNotFound, Status: http.StatusNotFound, Message: msg}
}

// NewJobExpiredError signals a status lookup past the retention window.
func NewJobExpiredError() *RequestError {
	return &RequestError{Code: CodeJobExpired, Status: http.StatusNotFound, Message: "job has expired and its results are no longer available"}
}

// NewZDRViolationError signals a request combination that would persist
// content for a zero-data-retention tenant.
func NewZDRViolationError(msg string) *RequestError {
	return &RequestError{Code: CodeZDRViolation, Status: http.StatusBadRequest, Message: msg}
}

// NewTimeoutError signals the scrape exceeded its deadline.
func NewTimeoutError(msg string) *RequestError {
	return &RequestError{Code: CodeTimeout, Status: http.StatusRequestTimeout, Message: msg}
}

// NewRateLimitError signals the per-op sliding window is exhausted.
func NewRateLimitError(retryAfterSec int) *RequestError {
	return &RequestError{
		Code:    CodeRateLimit,
		Status:  http.StatusTooManyRequests,
		Message: fmt.Sprintf("rate limit exceeded, retry after %ds", retryAfterSec),
		Details: map[string]int{"retryAfter": retryAfterSec},
	}
}

// NewConcurrencyLimitError signals the team's in-flight job cap is reached.
func NewConcurrencyLimitError(limit int) *RequestError {
	return &RequestError{
		Code:    CodeConcurrencyLimit,
		Status:  http.StatusTooManyRequests,
		Message: fmt.Sprintf("concurrency limit of %d active jobs reached", limit),
	}
}

// NewInternalError wraps an unexpected failure without leaking internals.
func NewInternalError() *RequestError {
	return &RequestError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "An unexpected error occurred. Please try again later."}
}

package common

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Application error codes carried in the response envelope's error.code
// field. These are stable identifiers for widget and admin clients and are
// independent of the HTTP status they travel with.
const (
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeDomainMismatch     = "DOMAIN_MISMATCH"
	CodeNotWhitelisted     = "NOT_WHITELISTED"
	CodeUsageLimitExceeded = "USAGE_LIMIT_EXCEEDED"
	CodeDailyLimitExceeded = "DAILY_LIMIT_EXCEEDED"
	CodeNotFound           = "NOT_FOUND"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeQueueConflict      = "QUEUE_CONFLICT"
	CodeLLMBlocked         = "LLM_BLOCKED"
	CodeCrawlFailed        = "CRAWL_FAILED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// ErrNotFound is the sentinel returned by stores for point lookups that
// match nothing. Callers distinguish it from infrastructure failures with
// errors.Is.
var ErrNotFound = errors.New("not found")

// AppError is an application-level error with a stable code and the HTTP
// status it should surface with. Field is set for validation errors that
// concern a single input field.
type AppError struct {
	Code       string
	Detail     string
	Field      string
	HTTPStatus int
	cause      error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *AppError) Unwrap() error { return e.cause }

// WithCause attaches an underlying error for wrapping chains.
func (e *AppError) WithCause(err error) *AppError {
	clone := *e
	clone.cause = err
	return &clone
}

// NewAppError builds an AppError with an explicit HTTP status.
func NewAppError(code, detail string, status int) *AppError {
	return &AppError{Code: code, Detail: detail, HTTPStatus: status}
}

// ErrAuthRequired reports a missing or invalid api key.
func ErrAuthRequired(detail string) *AppError {
	return NewAppError(CodeAuthRequired, detail, http.StatusUnauthorized)
}

// ErrDomainMismatch reports a blog URL outside the publisher's domain.
func ErrDomainMismatch(detail string) *AppError {
	return NewAppError(CodeDomainMismatch, detail, http.StatusForbidden)
}

// ErrNotWhitelisted reports a blog URL rejected by the publisher whitelist.
func ErrNotWhitelisted(detail string) *AppError {
	return NewAppError(CodeNotWhitelisted, detail, http.StatusForbidden)
}

// ErrUsageLimitExceeded reports an exhausted lifetime blog budget.
func ErrUsageLimitExceeded(detail string) *AppError {
	return NewAppError(CodeUsageLimitExceeded, detail, http.StatusForbidden)
}

// ErrDailyLimitExceeded reports an exhausted daily blog budget.
func ErrDailyLimitExceeded(detail string) *AppError {
	return NewAppError(CodeDailyLimitExceeded, detail, http.StatusForbidden)
}

// ErrNotFoundWith reports a missing resource.
func ErrNotFoundWith(detail string) *AppError {
	return NewAppError(CodeNotFound, detail, http.StatusNotFound)
}

// ErrValidation reports invalid input, optionally naming the field.
func ErrValidation(detail, field string) *AppError {
	e := NewAppError(CodeValidationError, detail, http.StatusBadRequest)
	e.Field = field
	return e
}

// ErrQueueConflict reports a reprocess request against a non-terminal
// queue entry.
func ErrQueueConflict(detail string) *AppError {
	return NewAppError(CodeQueueConflict, detail, http.StatusConflict)
}

// ErrInternal reports an unrecoverable server-side failure.
func ErrInternal(detail string) *AppError {
	return NewAppError(CodeInternalError, detail, http.StatusInternalServerError)
}

// AsAppError extracts an AppError from an error chain, or wraps the error
// as an internal error when none is present.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, ErrNotFound) {
		return ErrNotFoundWith(err.Error())
	}
	return ErrInternal("unexpected error").WithCause(err)
}

// Pipeline error classes recorded on queue entries as error_type. The
// worker classifies failures by substring because errors cross the store
// boundary as text.
const (
	ErrorTypeCrawl      = "crawl_error"
	ErrorTypeLLM        = "llm_error"
	ErrorTypeDB         = "db_error"
	ErrorTypeValidation = "validation_error"
	ErrorTypeUnknown    = "unknown"
)

// ClassifyError maps an error to one of the pipeline error classes.
func ClassifyError(err error) string {
	if err == nil {
		return ErrorTypeUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "crawl_error"):
		return ErrorTypeCrawl
	case strings.Contains(msg, "llm_error"):
		return ErrorTypeLLM
	case strings.Contains(msg, "db_error"), strings.Contains(msg, "conflict"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "database"):
		return ErrorTypeDB
	case strings.Contains(msg, "validation"):
		return ErrorTypeValidation
	default:
		return ErrorTypeUnknown
	}
}

// IsRetriable reports whether a pipeline error class is worth another
// attempt. Validation failures are deterministic and never retried.
func IsRetriable(errorType string) bool {
	switch errorType {
	case ErrorTypeValidation:
		return false
	default:
		return true
	}
}

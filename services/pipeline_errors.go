package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Error classes for pipeline stages.
const (
	ErrClassValidation  = "validation"
	ErrClassAuth        = "authentication"
	ErrClassRateLimited = "rate_limited"
	ErrClassTransient   = "transient"
	ErrClassFatal       = "fatal"
)

// PipelineError classifies a stage failure so the worker can decide
// between retry, backoff honoring Retry-After, and terminal failure.
type PipelineError struct {
	Class      string
	StatusCode int
	Message    string
	RetryAfter time.Duration // only for rate_limited
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("[%s %d] %s", e.Class, e.StatusCode, e.Message)
}

// IsRetryable returns true if the error is temporary and can be retried
func (e *PipelineError) IsRetryable() bool {
	return e.Class == ErrClassTransient || e.Class == ErrClassRateLimited
}

// IsAuthError returns true if the error is related to authentication
func (e *PipelineError) IsAuthError() bool {
	return e.Class == ErrClassAuth
}

// IsFatal returns true for invariant violations that abort the turn
func (e *PipelineError) IsFatal() bool {
	return e.Class == ErrClassFatal
}

// NewValidationError builds a non-retryable bad-input error.
func NewValidationError(format string, args ...interface{}) *PipelineError {
	return &PipelineError{Class: ErrClassValidation, StatusCode: 400, Message: fmt.Sprintf(format, args...)}
}

// NewFatalError builds an invariant-violation error that aborts the turn.
func NewFatalError(format string, args ...interface{}) *PipelineError {
	return &PipelineError{Class: ErrClassFatal, StatusCode: 500, Message: fmt.Sprintf(format, args...)}
}

// NewTransientError wraps a network/timeout/5xx failure.
func NewTransientError(err error) *PipelineError {
	return &PipelineError{Class: ErrClassTransient, StatusCode: 503, Message: err.Error()}
}

// ClassifyError converts an arbitrary stage error into a PipelineError.
// Already-classified errors pass through unchanged.
func ClassifyError(err error) *PipelineError {
	if err == nil {
		return nil
	}

	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}

	// go-openai API errors carry the upstream HTTP status
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &PipelineError{Class: ErrClassTransient, StatusCode: 408, Message: "request timeout"}
	}

	// Fallback: parse error message for common patterns
	errMsg := err.Error()
	errMsgLower := strings.ToLower(errMsg)

	switch {
	case strings.Contains(errMsgLower, "timeout") || strings.Contains(errMsgLower, "deadline exceeded"):
		return &PipelineError{Class: ErrClassTransient, StatusCode: 408, Message: "request timeout"}

	case strings.Contains(errMsgLower, "unauthorized") || strings.Contains(errMsgLower, "invalid api key"):
		return &PipelineError{Class: ErrClassAuth, StatusCode: 401, Message: "authentication failed"}

	case strings.Contains(errMsgLower, "rate limit") || strings.Contains(errMsgLower, "too many requests"):
		return &PipelineError{Class: ErrClassRateLimited, StatusCode: 429, Message: "rate limit exceeded"}

	case strings.Contains(errMsgLower, "bad gateway"),
		strings.Contains(errMsgLower, "service unavailable"),
		strings.Contains(errMsgLower, "temporarily unavailable"),
		strings.Contains(errMsgLower, "connection refused"),
		strings.Contains(errMsgLower, "connection reset"),
		strings.Contains(errMsgLower, "no such host"):
		return &PipelineError{Class: ErrClassTransient, StatusCode: 503, Message: errMsg}

	default:
		// Unknown errors are retried; the attempt cap bounds the damage.
		return &PipelineError{Class: ErrClassTransient, StatusCode: 500, Message: errMsg}
	}
}

func classifyStatus(status int, message string) *PipelineError {
	switch {
	case status == 401 || status == 403:
		return &PipelineError{Class: ErrClassAuth, StatusCode: status, Message: message}
	case status == 429:
		// go-openai surfaces the status but not the Retry-After header,
		// so RetryAfter stays zero here and upstream 429s pace on the
		// exponential backoff. Only the local limiter fills RetryAfter.
		return &PipelineError{Class: ErrClassRateLimited, StatusCode: status, Message: message}
	case status == 408 || status == 502 || status == 503 || status >= 500:
		return &PipelineError{Class: ErrClassTransient, StatusCode: status, Message: message}
	case status >= 400 && status < 500:
		return &PipelineError{Class: ErrClassValidation, StatusCode: status, Message: message}
	default:
		return &PipelineError{Class: ErrClassTransient, StatusCode: status, Message: message}
	}
}

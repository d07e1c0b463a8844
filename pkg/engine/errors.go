package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorClass represents a failure classification for retry decisions.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors (except 429). Terminal.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures and anything unclassified.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents an attempt that exceeded its timeout.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassCancelled represents an execution that was cancelled. Terminal.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Retryable reports whether failures of this class are retried.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassClient, ErrorClassCancelled:
		return false
	default:
		return true
	}
}

// Common errors returned by the engine.
var (
	// ErrCancelled is the cause of every cancellation issued by the engine.
	ErrCancelled = errors.New("request cancelled")

	// ErrStaleSuperseded is the cause when a stale pending execution is replaced.
	ErrStaleSuperseded = fmt.Errorf("%w: stale pending request superseded", ErrCancelled)

	// ErrRetryExhausted matches a RequestError whose retries ran out.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrAttemptTimeout is returned when a single attempt exceeds its timeout.
	ErrAttemptTimeout = errors.New("attempt timed out")

	// ErrInvalidConfig is returned for unusable configuration or options.
	ErrInvalidConfig = errors.New("invalid engine configuration")
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterer is implemented by errors that carry a server-requested delay.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// RequestError is the error every Execute caller receives on failure.
type RequestError struct {
	Key        string
	Class      ErrorClass
	StatusCode int
	Attempts   int
	Exhausted  bool
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	prefix := fmt.Sprintf("request %q %s error", e.Key, e.Class)
	if e.StatusCode != 0 {
		prefix += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Exhausted {
		prefix += fmt.Sprintf(": %s after %d attempts", ErrRetryExhausted, e.Attempts)
	} else if e.Attempts > 0 {
		prefix += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		return prefix + ": " + e.Err.Error()
	}
	return prefix
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is matches ErrRetryExhausted for exhausted errors and ErrCancelled for
// cancelled ones.
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrRetryExhausted:
		return e.Exhausted
	case ErrCancelled:
		return e.Class == ErrorClassCancelled
	}
	return false
}

// ClassifyStatus maps an HTTP status code to an error class.
func ClassifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code >= 400 && code < 500:
		return ErrorClassClient
	case code >= 500:
		return ErrorClassServer
	default:
		return ErrorClassNetwork
	}
}

// Classify returns the error class of err.
//
// An attempt timeout is always a timeout, even when the work returned a status
// code. Otherwise a status code carried by err takes precedence, deadline
// errors are timeouts, cancellations are cancelled, and everything else is a
// network error.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrAttemptTimeout) {
		return ErrorClassTimeout
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() != 0 {
		return ClassifyStatus(sc.StatusCode())
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorClassCancelled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	return ErrorClassNetwork
}

// IsRetryable reports whether err would be retried.
func IsRetryable(err error) bool {
	return err != nil && Classify(err).Retryable()
}

func statusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func retryAfterOf(err error) time.Duration {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

package client

import (
	"fmt"
	"time"
)

// maxErrorBody caps how much of a response body HTTPError.Error prints.
const maxErrorBody = 256

// HTTPError is returned for non-2xx provider responses. It carries the
// status code for error classification and the server-requested delay from
// Retry-After, if any.
type HTTPError struct {
	Code   int
	Status string
	Body   []byte
	Wait   time.Duration
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d", e.Code)
	}
	if len(e.Body) == 0 {
		return fmt.Sprintf("provider returned %s", status)
	}
	body := e.Body
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return fmt.Sprintf("provider returned %s: %s", status, body)
}

// StatusCode returns the HTTP status code.
func (e *HTTPError) StatusCode() int {
	return e.Code
}

// RetryAfter returns the delay requested by the Retry-After header.
func (e *HTTPError) RetryAfter() time.Duration {
	return e.Wait
}

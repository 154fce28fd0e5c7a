package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// NetworkError is a transport failure: the request never got an answer.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is a response the fleet API rejected or that could not be read.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("exchange API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("exchange API returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable returns true for network errors, 5xx and 429. Cancellation by
// the caller is never retried; a per-attempt deadline is.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusTooManyRequests || ae.StatusCode >= 500
	}
	return false
}

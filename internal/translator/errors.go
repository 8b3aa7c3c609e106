package translator

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidResponse marks a reply the caller could not align with its
// input: wrong line count, or empty output for non-empty input.
var ErrInvalidResponse = errors.New("translator: invalid response")

// RateLimitedError is a transient throttle signal; RetryAfter is zero
// when the provider gave no hint.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("translator: %s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("translator: %s rate limited", e.Provider)
}

// ServiceError covers network failures, 5xx responses, and transport
// timeouts. Retryable up to the caller's cap.
type ServiceError struct {
	Provider string
	Cause    error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("translator: %s service failure: %v", e.Provider, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

// NonRetryableError covers authentication failures and 4xx responses
// other than 429. Surfaced to the request as fatal.
type NonRetryableError struct {
	Provider string
	Status   int
	Message  string
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("translator: %s rejected request (%d): %s", e.Provider, e.Status, e.Message)
}

// IsRateLimited reports whether err is a throttle signal, returning the
// provider's retry hint when present.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsRetryable reports whether the error is worth retrying at the backend
// boundary: rate limits and service failures are, everything else is not.
func IsRetryable(err error) bool {
	if _, ok := IsRateLimited(err); ok {
		return true
	}
	var se *ServiceError
	return errors.As(err, &se)
}

// IsFatal reports whether the error must fail the request immediately.
func IsFatal(err error) bool {
	var nr *NonRetryableError
	return errors.As(err, &nr)
}

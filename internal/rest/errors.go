package rest

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Bybit v5 ret codes the client reacts to.
const (
	retCodeOK           = 0
	retCodeClockSkew    = 10002
	retCodeAuthInvalid  = 10003
	retCodeSignInvalid  = 10004
	retCodeRateLimited  = 10006
	retCodeIPRestricted = 10010
)

// APIError is a non-zero retCode in an otherwise well-formed envelope.
type APIError struct {
	RetCode int
	RetMsg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit api error: retCode=%d retMsg=%q", e.RetCode, e.RetMsg)
}

// Retryable reports whether the request may be retried as-is. Clock skew and
// exchange-side throttling are transient; credential and IP allowlist
// failures never heal on retry.
func (e *APIError) Retryable() bool {
	switch e.RetCode {
	case retCodeClockSkew, retCodeRateLimited:
		return true
	case retCodeAuthInvalid, retCodeSignInvalid, retCodeIPRestricted:
		return false
	default:
		return false
	}
}

// HTTPError is a non-2xx transport-level response.
type HTTPError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("bybit http error: status=%d", e.Status)
}

// Retryable reports whether the status is transient: server errors and 429.
func (e *HTTPError) Retryable() bool {
	return e.Status >= 500 || e.Status == 429
}

// Retryable classifies any error from the client. Unrecognized errors count
// as retryable transport faults.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return true
}

// RetryDelay computes the wait before retry attempt n (zero-based). A 429
// carrying Retry-After is honored verbatim; everything else backs off
// exponentially from base with 25% jitter.
func RetryDelay(attempt int, base time.Duration, err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}

	if base <= 0 {
		base = time.Second
	}
	delay := base << uint(attempt)
	if delay > time.Minute {
		delay = time.Minute
	}

	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}

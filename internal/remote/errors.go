package remote

import (
	"errors"
	"fmt"
	"time"
)

// The remote client classifies every failure into one of four
// categories so callers can decide between retrying, deferring to the
// auth layer, or dropping a single bad row without aborting a batch.

// NetError is a transport-level failure (connection refused, timeout,
// 5xx). Retryable with backoff.
type NetError struct {
	Op  string
	Err error
}

func (e *NetError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetError) Unwrap() error { return e.Err }

// AuthError means the credential was rejected. Fatal for the current
// sync cycle; recovery (token refresh, re-login) belongs to the auth
// collaborator, not the sync engine.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (HTTP %d)", e.Status)
}

// RateLimitError means the server asked us to slow down. Retryable
// after the server-provided delay, or exponential backoff when the
// server didn't say.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// BadRowError means the server rejected the row itself (4xx
// validation). Not retryable: the row is logged and dropped, never
// applied, and never crashes the batch it arrived in.
type BadRowError struct {
	Status int
	Detail string
}

func (e *BadRowError) Error() string {
	return fmt.Sprintf("row rejected (HTTP %d): %s", e.Status, e.Detail)
}

// Retryable reports whether the error is transient and worth retrying
// with backoff. Auth and validation failures are not.
func Retryable(err error) bool {
	var netErr *NetError
	var rateErr *RateLimitError
	return errors.As(err, &netErr) || errors.As(err, &rateErr)
}

// RetryAfter returns the server-provided delay for rate-limit errors,
// or zero when the caller should fall back to its own backoff ladder.
func RetryAfter(err error) time.Duration {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter
	}
	return 0
}

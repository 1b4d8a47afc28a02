package lastfm

import (
	"errors"
	"fmt"
	"time"
)

// API error codes reported in otherwise-200 response bodies.
const (
	errCodeInvalidParams     = 6 // also "user not found"
	errCodeInvalidAPIKey     = 10
	errCodeServiceOffline    = 11
	errCodeTemporarilyBroken = 16
	errCodeLoginRequired     = 17 // private listening history
	errCodeSuspendedAPIKey   = 26
	errCodeRateLimited       = 29
)

// Sentinel errors.
var (
	// ErrUserNotFound is returned when the requested user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrPrivateProfile is returned when the user's listening history is private.
	ErrPrivateProfile = errors.New("listening history is private")

	// ErrInvalidAPIKey is returned when the API key is invalid or suspended.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrRateLimited is returned when the API rate limit is exceeded after retries.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrServiceUnavailable is returned when the service reports a transient outage.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// RateLimitError carries the server's requested wait, when known.
// It matches ErrRateLimited under errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// APIError is an API-level error code this client has no specific mapping for.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

// classifyCode maps an embedded API error code to the error taxonomy.
func classifyCode(code int, message string) error {
	switch code {
	case errCodeInvalidParams:
		return ErrUserNotFound
	case errCodeLoginRequired:
		return ErrPrivateProfile
	case errCodeInvalidAPIKey, errCodeSuspendedAPIKey:
		return ErrInvalidAPIKey
	case errCodeRateLimited:
		return &RateLimitError{}
	case errCodeServiceOffline, errCodeTemporarilyBroken:
		return ErrServiceUnavailable
	default:
		return &APIError{Code: code, Message: message}
	}
}

// Retryable reports whether an error is worth retrying with backoff.
// Rate limits, transient outages, and network failures are retryable;
// everything else propagates immediately.
func Retryable(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServiceUnavailable) {
		return true
	}
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrPrivateProfile) || errors.Is(err, ErrInvalidAPIKey) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var netErr *transportError
	return errors.As(err, &netErr)
}

// transportError wraps an HTTP transport failure so it can be told apart
// from API-level errors.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "network error: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

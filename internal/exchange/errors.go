package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies upstream failures so callers can pick a policy
// without parsing messages.
type ErrorKind int

const (
	// KindTransient - network errors, 5xx; safe to retry after backoff
	KindTransient ErrorKind = iota
	// KindRateLimited - 429 or exchange ban; consumed by the rate gate
	KindRateLimited
	// KindFatal - 4xx request errors, auth failures; retrying cannot help
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// APIError is the typed outcome for any failed upstream call.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("exchange %s error (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("exchange %s error: %s", e.Kind, e.Message)
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}

// IsRateLimited reports whether err is an upstream rate-limit response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindRateLimited
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindTransient
}

// IsFatal reports whether err is a terminal request failure.
func IsFatal(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindFatal
}

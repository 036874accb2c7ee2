// Package gwerr defines the gateway's error taxonomy. Every rejection or
// failure surfaced to a caller carries a Kind with a stable reason code, so
// clients can branch on codes rather than message text.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a gateway error.
type Kind int

const (
	KindInvalidRequest Kind = iota + 1
	KindPolicyViolation
	KindRateLimited
	KindBudgetExceeded
	KindTierUnavailable
	KindProviderTransient
	KindProviderFatal
	KindCacheCorruption
	KindInternal
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindPolicyViolation:
		return "policy_violation"
	case KindRateLimited:
		return "rate_limited"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindTierUnavailable:
		return "tier_unavailable"
	case KindProviderTransient:
		return "provider_transient"
	case KindProviderFatal:
		return "provider_fatal"
	case KindCacheCorruption:
		return "cache_corruption"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to its HTTP status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindPolicyViolation:
		return http.StatusForbidden
	case KindRateLimited, KindBudgetExceeded:
		return http.StatusTooManyRequests
	case KindTierUnavailable:
		return http.StatusServiceUnavailable
	case KindProviderTransient, KindProviderFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified gateway error.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	wrapped    error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a classified error with a stable reason code.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, code string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithRetryAfter attaches a retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// IsTransient reports whether the error is a retriable provider failure.
func IsTransient(err error) bool {
	return KindOf(err) == KindProviderTransient
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var ge *Error
	ok := errors.As(err, &ge)
	return ge, ok
}

package exchange

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies every adapter failure. The taxonomy is closed: adapters
// translate venue-specific responses into exactly one kind.
type ErrorKind int

const (
	// KindAuth means the credential was rejected; callers disable it, no retry.
	KindAuth ErrorKind = iota
	// KindRateLimit is transient; callers back off for RetryAfter.
	KindRateLimit
	// KindSymbol means the symbol is unknown on this venue.
	KindSymbol
	// KindInsufficientBalance is terminal for the call.
	KindInsufficientBalance
	// KindTransport is transient (network failure, timeout); retried with backoff.
	KindTransport
	// KindReject is a terminal venue rejection carrying the venue's code.
	KindReject
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindSymbol:
		return "symbol"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindTransport:
		return "transport"
	case KindReject:
		return "reject"
	}
	return "unknown"
}

// Error is the normalized adapter error
type Error struct {
	Kind       ErrorKind
	Code       int           // venue error code, when present
	RetryAfter time.Duration // rate-limit hint, when present
	Detail     string
	wrapped    error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange %s (%d): %s", e.Kind, e.Code, e.Detail)
	}
	return fmt.Sprintf("exchange %s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.wrapped }

// NewError builds a taxonomy error
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WrapTransport classifies an underlying network error as transient
func WrapTransport(err error) *Error {
	return &Error{Kind: KindTransport, Detail: err.Error(), wrapped: err}
}

// IsKind reports whether err is an adapter error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the error is worth retrying with backoff
func Retryable(err error) bool {
	return IsKind(err, KindTransport) || IsKind(err, KindRateLimit)
}

// RetryHint returns the rate-limit wait suggested by the venue, or zero
func RetryHint(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

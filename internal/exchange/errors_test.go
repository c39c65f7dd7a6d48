package exchange

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorKindClassification(t *testing.T) {
	err := NewError(KindAuth, "bad key")
	if !IsKind(err, KindAuth) {
		t.Error("expected KindAuth")
	}
	if IsKind(err, KindTransport) {
		t.Error("did not expect KindTransport")
	}
	if Retryable(err) {
		t.Error("auth errors must not be retryable")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := NewError(KindSymbol, "unknown symbol")
	wrapped := fmt.Errorf("fetch rules: %w", inner)
	if !IsKind(wrapped, KindSymbol) {
		t.Error("kind lost through fmt.Errorf wrapping")
	}
}

func TestRetryableKinds(t *testing.T) {
	if !Retryable(WrapTransport(errors.New("conn reset"))) {
		t.Error("transport errors must be retryable")
	}
	if !Retryable(&Error{Kind: KindRateLimit, RetryAfter: time.Second}) {
		t.Error("rate limit errors must be retryable")
	}
	for _, kind := range []ErrorKind{KindAuth, KindSymbol, KindInsufficientBalance, KindReject} {
		if Retryable(NewError(kind, "x")) {
			t.Errorf("%s must not be retryable", kind)
		}
	}
}

func TestRetryHint(t *testing.T) {
	err := &Error{Kind: KindRateLimit, RetryAfter: 3 * time.Second}
	if got := RetryHint(fmt.Errorf("submit: %w", err)); got != 3*time.Second {
		t.Errorf("RetryHint = %v, want 3s", got)
	}
	if got := RetryHint(errors.New("plain")); got != 0 {
		t.Errorf("RetryHint on plain error = %v, want 0", got)
	}
}

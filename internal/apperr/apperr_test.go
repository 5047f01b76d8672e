package apperr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	err := New(KindQuotaExceeded, "no tries left")
	if KindOf(err) != KindQuotaExceeded {
		t.Errorf("expected quota_exceeded, got %s", KindOf(err))
	}
}

func TestKindOfWrappedChain(t *testing.T) {
	inner := New(KindInvalidState, "wrong status")
	outer := fmt.Errorf("consume quota: %w", inner)
	if KindOf(outer) != KindInvalidState {
		t.Errorf("kind lost through fmt.Errorf wrapping: got %s", KindOf(outer))
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("foreign error should map to KindUnknown")
	}
	if KindOf(nil) != KindUnknown {
		t.Error("nil should map to KindUnknown")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindStorage, "dynamodb unavailable", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if KindOf(err) != KindStorage {
		t.Errorf("expected storage, got %s", KindOf(err))
	}
}

func TestRetryAfter(t *testing.T) {
	err := New(KindQuotaExceeded, "no tries left").WithRetryAfter(90 * time.Minute)
	wrapped := fmt.Errorf("tryon: %w", err)
	if got := RetryAfterOf(wrapped); got != 90*time.Minute {
		t.Errorf("expected 90m retry-after, got %s", got)
	}
	if RetryAfterOf(errors.New("plain")) != 0 {
		t.Error("foreign error should carry no retry-after")
	}
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		KindNotFound:          "not_found",
		KindInvalidState:      "invalid_state",
		KindQuotaExceeded:     "quota_exceeded",
		KindProviderRejected:  "provider_rejected",
		KindProviderTransient: "provider_transient",
		KindTimeout:           "timeout",
		KindStorage:           "storage",
		KindUnknown:           "unknown",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, kind.String(), want)
		}
	}
}

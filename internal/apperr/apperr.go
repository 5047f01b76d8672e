// Package apperr defines the closed set of error kinds shared by the
// session store, the generation client, and the orchestrator. Callers
// dispatch on the kind (via KindOf) rather than on concrete types, so
// every failure mode the API surface cares about is enumerable.
//
// Only KindStorage represents a system fault. Every other kind is an
// expected, caller-recoverable condition and must not be logged as an
// error by the code that raises it.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the failure modes of the try-on core.
type Kind int

const (
	// KindUnknown is the zero value; returned by KindOf for errors
	// that did not originate in this package.
	KindUnknown Kind = iota

	// KindNotFound: session absent, owned by someone else, or expired.
	KindNotFound

	// KindInvalidState: the requested transition is not allowed from
	// the session's current status.
	KindInvalidState

	// KindQuotaExceeded: no tries remain on the session.
	KindQuotaExceeded

	// KindProviderRejected: the generation provider fatally rejected
	// the request. Not retryable; quota is not charged.
	KindProviderRejected

	// KindProviderTransient: the provider did not respond usably
	// within the retry budget. The whole flow may be retried later.
	KindProviderTransient

	// KindTimeout: the poll budget was exhausted before the job
	// reached a terminal state.
	KindTimeout

	// KindStorage: the backing store failed after its own retries.
	KindStorage
)

// String returns the stable wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindProviderRejected:
		return "provider_rejected"
	case KindProviderTransient:
		return "provider_transient"
	case KindTimeout:
		return "timeout"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is the single error type carrying a Kind. Detail strings are
// bounded by callers and safe to surface; wrapped causes are not.
type Error struct {
	Kind Kind
	Msg  string

	// RetryAfter is set on quota errors: how long until the session
	// expires and a fresh quota becomes available.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause. The cause is
// preserved for logging but its text is never shown to callers.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// WithRetryAfter returns the error with a retry-after hint attached.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind from an error chain. Returns KindUnknown
// for nil or foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfterOf returns the retry-after hint from an error chain, or
// zero when none is attached.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

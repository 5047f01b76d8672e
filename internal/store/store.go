// Package store is the single source of truth for try-on session state.
//
// A session tracks one client's progress through the try-on lifecycle
// (upload, validation, generation, result) and carries the generation
// quota. Every mutation that affects quota or status is a conditional
// write: the precondition on the current record is evaluated by the
// backing store itself, never by read-then-write application code, so
// concurrent invocations cannot double-spend a try or double-commit a
// terminal result.
//
// Two implementations are provided: DynamoStore (production, single
// table keyed OWNER#{ownerKey} / SESSION#{sessionId} with a TTL
// attribute) and MemoryStore (tests and local development).
package store

import (
	"context"
	"time"
)

// MaxTries is the number of generation attempts granted per session.
const MaxTries = 3

// SessionTTL is the lifetime of a session record. Matches the media
// bucket lifecycle policy so image refs and session state expire together.
const SessionTTL = 24 * time.Hour

// maxErrorLen bounds persisted diagnostic strings.
const maxErrorLen = 500

// Status is a session's position in the lifecycle state machine.
type Status string

const (
	StatusCreated          Status = "created"
	StatusValidated        Status = "validated"
	StatusValidationFailed Status = "validation_failed"
	StatusProcessing       Status = "processing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Terminal reports whether the status permits no further transitions
// (outside explicit re-validation flows).
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// revalidatable lists the statuses from which RecordValidation is
// permitted. A failed try-on or a failed validation may be re-validated;
// an in-flight or completed session may not.
func revalidatable(s Status) bool {
	switch s {
	case StatusCreated, StatusValidated, StatusValidationFailed, StatusFailed:
		return true
	}
	return false
}

// Session is one client's try-on session record.
//
// ID and OwnerKey are derived from the storage key on read and excluded
// from the marshalled attributes on write (dynamodbav:"-").
type Session struct {
	ID       string `json:"id" dynamodbav:"-"`
	OwnerKey string `json:"-" dynamodbav:"-"`

	Status    Status `json:"status" dynamodbav:"status"`
	TriesLeft int    `json:"triesLeft" dynamodbav:"triesLeft"`

	PersonImageRef   string `json:"personImageRef,omitempty" dynamodbav:"personImageRef,omitempty"`
	ValidationDetail string `json:"validationDetail,omitempty" dynamodbav:"validationDetail,omitempty"`
	ResultRef        string `json:"resultRef,omitempty" dynamodbav:"resultRef,omitempty"`
	JobID            string `json:"jobId,omitempty" dynamodbav:"jobId,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty" dynamodbav:"errorMessage,omitempty"`

	CreatedAt int64 `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt int64 `json:"updatedAt" dynamodbav:"updatedAt"`
	ExpiresAt int64 `json:"expiresAt" dynamodbav:"expiresAt"`
}

// Expired reports whether the session is past its expiry at the given
// instant. Expired sessions are treated as nonexistent regardless of
// whether the raw record is still physically present.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}

// RetryAfter returns how long until the session expires, floored at zero.
// Attached to quota errors so callers can tell clients when to come back.
func (s *Session) RetryAfter(now time.Time) time.Duration {
	d := time.Unix(s.ExpiresAt, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ValidationResult is the outcome of the image-quality check recorded
// against a session. Detail is an opaque string from the validator.
type ValidationResult struct {
	Valid  bool
	Detail string
}

// SessionStore is the persistence contract for session state. Every
// method is safe for concurrent use across invocations; the
// quota/status-affecting operations are atomic with respect to their
// documented preconditions.
//
// Precondition violations are reported with the apperr kinds NotFound,
// InvalidState, and QuotaExceeded. Backing-store failures surface as
// apperr.KindStorage after the implementation's own bounded retries.
type SessionStore interface {
	// GetOrCreate returns the newest non-expired session for the
	// owner, creating one (MaxTries tries, status created) when none
	// exists. Concurrent creates may briefly race; readers always
	// resolve to the newest record, so duplicates are inert.
	GetOrCreate(ctx context.Context, ownerKey string) (*Session, error)

	// Get returns the session, or NotFound when it does not exist,
	// belongs to a different owner, or is expired.
	Get(ctx context.Context, sessionID, ownerKey string) (*Session, error)

	// RecordValidation stores the validation outcome and the person
	// image ref. Allowed from created, validated, validation_failed,
	// and failed; InvalidState otherwise.
	RecordValidation(ctx context.Context, sessionID, ownerKey string, result ValidationResult, imageRef string) (*Session, error)

	// ConsumeQuota atomically requires triesLeft > 0 and status ==
	// validated, then decrements triesLeft and moves the session to
	// processing. Returns the remaining tries. Two concurrent calls
	// never both succeed on the last try.
	ConsumeQuota(ctx context.Context, sessionID, ownerKey string) (int, error)

	// AttachJob records the in-flight generation job id. Best-effort
	// bookkeeping for resumable polling; no status precondition.
	AttachJob(ctx context.Context, sessionID, ownerKey, jobID string) (*Session, error)

	// CommitResult atomically requires status == processing, then
	// moves the session to completed with the result ref and a
	// cleared error message. InvalidState guards overlapping pollers
	// from double-committing.
	CommitResult(ctx context.Context, sessionID, ownerKey, resultRef string) (*Session, error)

	// CommitFailure moves the session to failed with a truncated
	// diagnostic. Intentionally permissive about source state: failed
	// is the safe absorbing state and may be re-recorded.
	CommitFailure(ctx context.Context, sessionID, ownerKey, message string) (*Session, error)
}

// truncateMessage bounds a diagnostic string to maxErrorLen bytes.
func truncateMessage(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	return msg[:maxErrorLen]
}

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jteoh/virtual-tryon/internal/apperr"
)

// MemoryStore implements SessionStore with an in-process map. It mirrors
// DynamoStore's conditional semantics exactly: every quota/status
// mutation evaluates its precondition and applies the write under one
// lock hold, so tests against MemoryStore exercise the same state
// machine the production store enforces.
//
// Used by unit tests and local development. Not suitable for real
// deployments: state does not survive the process.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]*Session // ownerKey -> sessionID -> session

	// Now is the clock used for TTL checks and timestamps. Tests
	// override it to simulate expiry.
	Now func() time.Time
}

// Compile-time interface check.
var _ SessionStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string]*Session),
		Now:      time.Now,
	}
}

// clone returns a copy so callers can never mutate stored state
// without going through a store operation.
func clone(s *Session) *Session {
	c := *s
	return &c
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, ownerKey string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	var newest *Session
	for _, s := range m.sessions[ownerKey] {
		if s.Expired(now) {
			continue
		}
		if newest == nil || s.CreatedAt > newest.CreatedAt {
			newest = s
		}
	}
	if newest != nil {
		return clone(newest), nil
	}

	session := &Session{
		ID:        uuid.NewString(),
		OwnerKey:  ownerKey,
		Status:    StatusCreated,
		TriesLeft: MaxTries,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
		ExpiresAt: now.Add(SessionTTL).Unix(),
	}
	if m.sessions[ownerKey] == nil {
		m.sessions[ownerKey] = make(map[string]*Session)
	}
	m.sessions[ownerKey][session.ID] = session
	return clone(session), nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID, ownerKey string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID, ownerKey)
	if err != nil {
		return nil, err
	}
	return clone(s), nil
}

// lookup finds a live session. Caller must hold the lock.
func (m *MemoryStore) lookup(sessionID, ownerKey string) (*Session, error) {
	s, ok := m.sessions[ownerKey][sessionID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "session not found")
	}
	if s.Expired(m.Now()) {
		return nil, apperr.New(apperr.KindNotFound, "session expired")
	}
	return s, nil
}

func (m *MemoryStore) RecordValidation(ctx context.Context, sessionID, ownerKey string, result ValidationResult, imageRef string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID, ownerKey)
	if err != nil {
		return nil, err
	}
	if !revalidatable(s.Status) {
		return nil, apperr.Newf(apperr.KindInvalidState, "validation not allowed from current status (status %s)", s.Status)
	}

	if result.Valid {
		s.Status = StatusValidated
		s.PersonImageRef = imageRef
	} else {
		s.Status = StatusValidationFailed
	}
	s.ValidationDetail = truncateMessage(result.Detail)
	s.UpdatedAt = m.Now().Unix()
	return clone(s), nil
}

func (m *MemoryStore) ConsumeQuota(ctx context.Context, sessionID, ownerKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID, ownerKey)
	if err != nil {
		return 0, err
	}
	if s.TriesLeft <= 0 {
		return 0, apperr.New(apperr.KindQuotaExceeded, "no tries left").
			WithRetryAfter(s.RetryAfter(m.Now()))
	}
	if s.Status != StatusValidated {
		return 0, apperr.Newf(apperr.KindInvalidState, "quota requires a validated session (status %s)", s.Status)
	}

	s.TriesLeft--
	s.Status = StatusProcessing
	s.UpdatedAt = m.Now().Unix()
	return s.TriesLeft, nil
}

func (m *MemoryStore) AttachJob(ctx context.Context, sessionID, ownerKey, jobID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID, ownerKey)
	if err != nil {
		return nil, err
	}
	s.JobID = jobID
	s.UpdatedAt = m.Now().Unix()
	return clone(s), nil
}

func (m *MemoryStore) CommitResult(ctx context.Context, sessionID, ownerKey, resultRef string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID, ownerKey)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusProcessing {
		return nil, apperr.Newf(apperr.KindInvalidState, "session is not processing (status %s)", s.Status)
	}

	s.Status = StatusCompleted
	s.ResultRef = resultRef
	s.ErrorMessage = ""
	s.UpdatedAt = m.Now().Unix()
	return clone(s), nil
}

func (m *MemoryStore) CommitFailure(ctx context.Context, sessionID, ownerKey, message string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(sessionID, ownerKey)
	if err != nil {
		return nil, err
	}

	s.Status = StatusFailed
	s.ErrorMessage = truncateMessage(message)
	s.UpdatedAt = m.Now().Unix()
	return clone(s), nil
}

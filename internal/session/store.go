package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateCorrelationID is returned when a correlation id is already
// attached to another session.
var ErrDuplicateCorrelationID = errors.New("correlation id already in use")

// ErrEmptyCorrelationID is returned when a blank correlation id is written.
var ErrEmptyCorrelationID = errors.New("correlation id is empty")

// Store persists sessions. Implementations must be safe for concurrent use
// and must apply Transition atomically against the current status.
type Store interface {
	// Create inserts a new session. The session must have ID set.
	Create(ctx context.Context, s *Session) error

	// Get returns the session with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// GetByCorrelationID returns the session matching a provider correlation id or ErrNotFound.
	GetByCorrelationID(ctx context.Context, correlationID string) (*Session, error)

	// LatestBySubscriber returns the most recently created session of a subscriber or ErrNotFound.
	LatestBySubscriber(ctx context.Context, subscriber string) (*Session, error)

	// ListByStatus returns sessions with the given status, newest first.
	// An empty status lists every session.
	ListByStatus(ctx context.Context, status Status) ([]*Session, error)

	// SetCorrelationID attaches the provider correlation id to a session.
	// Returns ErrNotFound when the session no longer exists and
	// ErrEmptyCorrelationID when correlationID is blank.
	SetCorrelationID(ctx context.Context, id, correlationID string) error

	// Transition moves a session from one status to another if and only if
	// its current status equals from. A non-empty receipt is stored with it.
	// Returns ErrIllegalTransition when the edge is not legal or the current
	// status differs, ErrNotFound when the session does not exist.
	Transition(ctx context.Context, id string, from, to Status, receipt string) error

	// RecordCallback appends a raw provider callback to the audit log.
	RecordCallback(ctx context.Context, correlationID string, payload []byte) error
}

// CallbackRecord is an audited provider callback.
type CallbackRecord struct {
	CorrelationID string
	Payload       []byte
	ReceivedAt    time.Time
}

// MemoryStore provides in-memory session storage.
type MemoryStore struct {
	sessions      map[string]*Session
	byCorrelation map[string]string // correlationID -> sessionID
	callbacks     []CallbackRecord
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*Session),
		byCorrelation: make(map[string]string),
	}
}

// Create inserts a new session.
func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return errors.New("session already exists: " + sess.ID)
	}
	if sess.CorrelationID != "" {
		if _, taken := s.byCorrelation[sess.CorrelationID]; taken {
			return ErrDuplicateCorrelationID
		}
		s.byCorrelation[sess.CorrelationID] = sess.ID
	}

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// GetByCorrelationID retrieves a session by provider correlation id.
func (s *MemoryStore) GetByCorrelationID(_ context.Context, correlationID string) (*Session, error) {
	if correlationID == "" {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byCorrelation[correlationID]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *s.sessions[id]
	return &cp, nil
}

// LatestBySubscriber returns the newest session for a subscriber.
func (s *MemoryStore) LatestBySubscriber(_ context.Context, subscriber string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Session
	for _, sess := range s.sessions {
		if sess.Subscriber != subscriber {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// ListByStatus returns sessions with the given status, newest first.
func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if status != "" && sess.Status != status {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SetCorrelationID attaches a correlation id to a session.
func (s *MemoryStore) SetCorrelationID(_ context.Context, id, correlationID string) error {
	if correlationID == "" {
		return ErrEmptyCorrelationID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return ErrNotFound
	}
	if owner, taken := s.byCorrelation[correlationID]; taken && owner != id {
		return ErrDuplicateCorrelationID
	}

	if sess.CorrelationID != "" {
		delete(s.byCorrelation, sess.CorrelationID)
	}
	sess.CorrelationID = correlationID
	sess.UpdatedAt = time.Now()
	s.byCorrelation[correlationID] = id
	return nil
}

// Transition applies a status change if the current status matches from.
func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, receipt string) error {
	if !CanTransition(from, to) {
		return ErrIllegalTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return ErrNotFound
	}
	if sess.Status != from {
		return ErrIllegalTransition
	}

	sess.Status = to
	if receipt != "" {
		sess.Receipt = receipt
	}
	sess.UpdatedAt = time.Now()
	return nil
}

// RecordCallback stores a raw callback payload.
func (s *MemoryStore) RecordCallback(_ context.Context, correlationID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callbacks = append(s.callbacks, CallbackRecord{
		CorrelationID: correlationID,
		Payload:       append([]byte(nil), payload...),
		ReceivedAt:    time.Now(),
	})
	return nil
}

// Callbacks returns the recorded callbacks in arrival order.
func (s *MemoryStore) Callbacks() []CallbackRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CallbackRecord(nil), s.callbacks...)
}

// Count returns the number of sessions.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

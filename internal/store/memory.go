package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/support-desk/backend/internal/model/support"
)

// MemoryStore keeps sessions in process memory. Suitable for tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]support.Session
	messages    map[string][]support.Message
	toolCalls   map[string][]support.ToolCall
	escalations map[string]support.Escalation
	seq         int64
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]support.Session),
		messages:    make(map[string][]support.Message),
		toolCalls:   make(map[string][]support.ToolCall),
		escalations: make(map[string]support.Escalation),
	}
}

// CreateSession provisions a session bound to the customer.
func (s *MemoryStore) CreateSession(_ context.Context, customer support.Customer) (support.Session, error) {
	session := support.Session{
		ID:        uuid.NewString(),
		Customer:  customer,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]support.Message, 0, 16)
	s.mu.Unlock()

	return session, nil
}

// LoadSession retrieves a session by identifier.
func (s *MemoryStore) LoadSession(_ context.Context, sessionID string) (*support.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

// IsEscalated reports the escalation flag.
func (s *MemoryStore) IsEscalated(_ context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	return session.Escalated, nil
}

// Messages returns a copy of the transcript.
func (s *MemoryStore) Messages(_ context.Context, sessionID string) ([]support.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]support.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// ToolCalls returns a copy of the recorded invocations.
func (s *MemoryStore) ToolCalls(_ context.Context, sessionID string) ([]support.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	calls := s.toolCalls[sessionID]
	copied := make([]support.ToolCall, len(calls))
	copy(copied, calls)
	return copied, nil
}

// Escalation returns the escalation record, if any.
func (s *MemoryStore) Escalation(_ context.Context, sessionID string) (*support.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	escalation, ok := s.escalations[sessionID]
	if !ok {
		return nil, nil
	}
	return &escalation, nil
}

// RecordToolCall appends a tool invocation record.
func (s *MemoryStore) RecordToolCall(_ context.Context, call support.ToolCall) (support.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[call.SessionID]; !ok {
		return support.ToolCall{}, ErrSessionNotFound
	}

	s.seq++
	call.ID = s.seq
	call.Result = call.Result.Normalize()
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	s.toolCalls[call.SessionID] = append(s.toolCalls[call.SessionID], call)
	return call, nil
}

// AppendMessages appends the batch under a single lock acquisition.
func (s *MemoryStore) AppendMessages(_ context.Context, sessionID string, messages ...support.Message) ([]support.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Escalated {
		return nil, ErrAlreadyEscalated
	}
	return s.appendLocked(sessionID, messages), nil
}

// Escalate performs the flag flip, record insert and message append together.
func (s *MemoryStore) Escalate(_ context.Context, escalation support.Escalation, messages ...support.Message) (support.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[escalation.SessionID]
	if !ok {
		return support.Escalation{}, ErrSessionNotFound
	}
	if session.Escalated {
		return support.Escalation{}, ErrAlreadyEscalated
	}

	now := time.Now().UTC()
	session.Escalated = true
	session.EscalatedAt = &now
	s.sessions[session.ID] = session

	s.seq++
	escalation.ID = s.seq
	escalation.CreatedAt = now
	s.escalations[session.ID] = escalation

	s.appendLocked(session.ID, messages)
	return escalation, nil
}

func (s *MemoryStore) appendLocked(sessionID string, messages []support.Message) []support.Message {
	saved := make([]support.Message, 0, len(messages))
	for _, message := range messages {
		s.seq++
		message.ID = s.seq
		message.SessionID = sessionID
		if message.CreatedAt.IsZero() {
			message.CreatedAt = time.Now().UTC()
		}
		s.messages[sessionID] = append(s.messages[sessionID], message)
		saved = append(saved, message)
	}
	return saved
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

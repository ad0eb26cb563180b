package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/transfa/consent-flow/internal/flow/domain"
)

// ErrSessionNotFound is returned for unknown, expired or foreign sessions.
var ErrSessionNotFound = errors.New("flow session not found")

// SessionStore persists flow sessions between user actions.
type SessionStore interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Save(ctx context.Context, session *domain.Session) error
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	session   domain.Session
	expiresAt time.Time
}

// MemorySessionStore keeps sessions in process memory. Sessions are lost on restart.
type MemorySessionStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemorySessionStore creates an in-memory store whose entries live for ttl after their last save.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemorySessionStore{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemorySessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, id)
		return nil, ErrSessionNotFound
	}
	session := entry.session
	session.SelectedAccounts = append([]domain.AccountReference(nil), entry.session.SelectedAccounts...)
	return &session, nil
}

func (s *MemorySessionStore) Save(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *session
	stored.SelectedAccounts = append([]domain.AccountReference(nil), session.SelectedAccounts...)
	s.entries[session.ID] = memoryEntry{session: stored, expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *MemorySessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Package session keeps the short-lived per-sender conversation state.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/DealerPipe/internal/models"
)

// Store holds one Session per sender. Implementations copy on read and write,
// so callers never share a Session with the store.
type Store interface {
	// Get returns the sender's session and whether one exists.
	Get(ctx context.Context, sender string) (models.Session, bool, error)
	// Put replaces the sender's session. The session must be valid.
	Put(ctx context.Context, sender string, s models.Session) error
	// Clear removes everything held for sender. Clearing a missing sender is not an error.
	Clear(ctx context.Context, sender string) error
	// Touch marks the sender active at now, creating an idle session if needed.
	Touch(ctx context.Context, sender string, now time.Time) error
	// Expired returns the senders whose last activity is before cutoff.
	Expired(ctx context.Context, cutoff time.Time) ([]string, error)
	// ClearIfIdle removes the sender only if it is still inactive since before
	// cutoff at the moment of deletion. It reports whether it removed anything.
	ClearIfIdle(ctx context.Context, sender string, cutoff time.Time) (bool, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]models.Session)}
}

func (m *MemoryStore) Get(ctx context.Context, sender string) (models.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sender]
	if !ok {
		return models.Session{}, false, nil
	}
	return s.Clone(), true, nil
}

func (m *MemoryStore) Put(ctx context.Context, sender string, s models.Session) error {
	if sender == "" {
		return models.ErrEmptySender
	}
	s.Sender = sender
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sender] = s.Clone()
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sender)
	return nil
}

func (m *MemoryStore) Touch(ctx context.Context, sender string, now time.Time) error {
	if sender == "" {
		return models.ErrEmptySender
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sender]
	if !ok {
		s = models.NewSession(sender, now)
	}
	s.LastActive = now
	m.sessions[sender] = s
	return nil
}

func (m *MemoryStore) Expired(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for sender, s := range m.sessions {
		if s.LastActive.Before(cutoff) {
			out = append(out, sender)
		}
	}
	return out, nil
}

func (m *MemoryStore) ClearIfIdle(ctx context.Context, sender string, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sender]
	if !ok || !s.LastActive.Before(cutoff) {
		return false, nil
	}
	delete(m.sessions, sender)
	return true, nil
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

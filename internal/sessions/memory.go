package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/keel/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for tests and
// single-process runs. Insertion order is preserved for listing.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	order    []string
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
	}
}

func (m *MemoryStore) Create(_ context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("sessions: session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := session.Clone()
	if clone.SessionID == "" {
		clone.SessionID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = clone.CreatedAt
	}
	if _, ok := m.sessions[clone.SessionID]; ok {
		return errors.New("sessions: duplicate session id")
	}
	// Reflect generated fields back to the caller.
	session.SessionID = clone.SessionID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt

	m.sessions[clone.SessionID] = clone
	m.order = append(m.order, clone.SessionID)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("sessions: session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.SessionID]
	if !ok {
		return ErrNotFound
	}
	clone := session.Clone()
	clone.CreatedAt = existing.CreatedAt
	if clone.UpdatedAt.IsZero() || !clone.UpdatedAt.After(existing.UpdatedAt) {
		clone.UpdatedAt = time.Now().UTC()
	}
	m.sessions[clone.SessionID] = clone
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*models.Session, 0, len(m.order))
	for _, id := range m.order {
		session := m.sessions[id]
		if opts.Status != "" && session.Status != opts.Status {
			continue
		}
		matched = append(matched, session.Clone())
	}

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(matched) {
		return []*models.Session{}, nil
	}
	end := len(matched)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return matched[start:end], nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

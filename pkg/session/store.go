package session

import (
	"context"
	"sort"
	"sync"
	"time"

	chatErrors "github.com/memtensor/dynabot/pkg/errors"
)

// Store holds the live conversation contexts by session id
type Store interface {
	// Get returns the live context or a not-found error for unknown and expired sessions
	Get(ctx context.Context, sessionID string) (*Context, error)

	// Add registers c unless a live context already uses its id, and returns the one registered
	Add(ctx context.Context, c *Context) (*Context, error)

	// Save persists c after a change. The caller must hold c's lock.
	Save(ctx context.Context, c *Context) error

	// Delete forgets the session
	Delete(ctx context.Context, sessionID string) error

	// IDs lists the live sessions
	IDs(ctx context.Context) ([]string, error)
}

// MemoryStore keeps contexts in a map and expires them after a period of inactivity
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Context
	timeout  time.Duration
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store; a zero timeout never expires sessions
func NewMemoryStore(timeout time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		sessions: make(map[string]*Context),
		timeout:  timeout,
		now:      now,
	}
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Context, error) {
	s.mu.RLock()
	c, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, chatErrors.NewSessionNotFoundError(sessionID)
	}
	if c.expired(s.now(), s.timeout) {
		s.mu.Lock()
		if s.sessions[sessionID] == c {
			delete(s.sessions, sessionID)
		}
		s.mu.Unlock()
		return nil, chatErrors.NewSessionExpiredError(sessionID)
	}
	return c, nil
}

// Add implements Store
func (s *MemoryStore) Add(_ context.Context, c *Context) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[c.SessionID]; ok && !existing.expired(s.now(), s.timeout) {
		return existing, nil
	}
	s.sessions[c.SessionID] = c
	return c, nil
}

// Save implements Store; contexts are shared by pointer so there is nothing to write
func (s *MemoryStore) Save(context.Context, *Context) error {
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// IDs implements Store
func (s *MemoryStore) IDs(context.Context) ([]string, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id, c := range s.sessions {
		if !c.expired(now, s.timeout) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Sweep drops expired sessions and returns how many were removed
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.sessions {
		if c.expired(now, s.timeout) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

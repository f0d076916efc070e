// Package session keeps the in-memory context of active conversations
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/memtensor/dynabot/pkg/learning"
	"github.com/memtensor/dynabot/pkg/types"
)

// Context is the live state of one conversation.
// The exported fields are guarded by the context's lock; last activity is tracked separately
// so stores can check expiry without taking it.
type Context struct {
	mu         sync.Mutex
	lastActive atomic.Int64
	closed     bool

	SessionID    string
	UserID       string
	StartTime    time.Time
	MessageCount int
	Keywords     []string
	History      []types.HistoryEntry
	Preferences  map[string][]learning.Preference
}

// New creates an empty context started at now
func New(sessionID, userID string, now time.Time) *Context {
	c := &Context{
		SessionID:   sessionID,
		UserID:      userID,
		StartTime:   now,
		Keywords:    []string{},
		History:     []types.HistoryEntry{},
		Preferences: map[string][]learning.Preference{},
	}
	c.Touch(now)
	return c
}

// Lock serializes work on the conversation
func (c *Context) Lock() { c.mu.Lock() }

// Unlock releases the conversation
func (c *Context) Unlock() { c.mu.Unlock() }

// Close marks the conversation as ended. The caller must hold the lock.
func (c *Context) Close() { c.closed = true }

// Closed reports whether the conversation has ended. The caller must hold the lock.
func (c *Context) Closed() bool { return c.closed }

// Touch records activity at now
func (c *Context) Touch(now time.Time) {
	c.lastActive.Store(now.UnixNano())
}

// LastActive returns the time of the most recent activity
func (c *Context) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load()).UTC()
}

func (c *Context) expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(c.LastActive()) > timeout
}

// AddKeywords appends keywords not already in the window and keeps the newest window entries.
// The caller must hold the lock.
func (c *Context) AddKeywords(words []string, window int) {
	for _, w := range words {
		seen := false
		for _, k := range c.Keywords {
			if k == w {
				seen = true
				break
			}
		}
		if !seen {
			c.Keywords = append(c.Keywords, w)
		}
	}
	if window > 0 && len(c.Keywords) > window {
		c.Keywords = append([]string(nil), c.Keywords[len(c.Keywords)-window:]...)
	}
}

// Remember appends an exchange to the history, keeping at most max entries.
// The caller must hold the lock.
func (c *Context) Remember(entry types.HistoryEntry, max int) {
	c.History = append(c.History, entry)
	if max > 0 && len(c.History) > max {
		c.History = append([]types.HistoryEntry(nil), c.History[len(c.History)-max:]...)
	}
}

// Snapshot is the serializable form of a Context
type Snapshot struct {
	SessionID    string                           `json:"session_id"`
	UserID       string                           `json:"user_id"`
	StartTime    time.Time                        `json:"start_time"`
	LastActive   time.Time                        `json:"last_active"`
	MessageCount int                              `json:"message_count"`
	Keywords     []string                         `json:"keywords"`
	History      []types.HistoryEntry             `json:"history"`
	Preferences  map[string][]learning.Preference `json:"preferences"`
}

// Snapshot copies the context. The caller must hold the lock.
func (c *Context) Snapshot() Snapshot {
	return Snapshot{
		SessionID:    c.SessionID,
		UserID:       c.UserID,
		StartTime:    c.StartTime,
		LastActive:   c.LastActive(),
		MessageCount: c.MessageCount,
		Keywords:     append([]string(nil), c.Keywords...),
		History:      append([]types.HistoryEntry(nil), c.History...),
		Preferences:  c.Preferences,
	}
}

// Restore rebuilds a context from a snapshot
func Restore(s Snapshot) *Context {
	c := New(s.SessionID, s.UserID, s.StartTime)
	c.MessageCount = s.MessageCount
	if s.Keywords != nil {
		c.Keywords = s.Keywords
	}
	if s.History != nil {
		c.History = s.History
	}
	if s.Preferences != nil {
		c.Preferences = s.Preferences
	}
	c.Touch(s.LastActive)
	return c
}

package runner

import (
	"slices"
	"sync"
	"time"
)

// Session is the externally visible state of a running operation.
type Session struct {
	ID          string    `json:"id"`
	Target      string    `json:"target"`
	Status      string    `json:"status"`
	Steps       int       `json:"steps"`
	MaxSteps    int       `json:"max_steps"`
	ActiveAgent string    `json:"active_agent,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	LastActive  time.Time `json:"last_active"`
}

type SessionTracker struct {
	sessions map[string]*Session // opID → session
	mu       sync.RWMutex
	now      func() time.Time
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (t *SessionTracker) Set(opID string, session *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[opID] = session
}

// Get returns a copy of the session.
func (t *SessionTracker) Get(opID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[opID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (t *SessionTracker) Remove(opID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, opID)
}

func (t *SessionTracker) Touch(opID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[opID]; ok {
		s.LastActive = t.now()
	}
}

// Update applies fn to the session under the tracker lock.
func (t *SessionTracker) Update(opID string, fn func(s *Session)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[opID]; ok {
		fn(s)
	}
}

func (t *SessionTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *SessionTracker) List() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Session) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

func (t *SessionTracker) ListIdle(timeout time.Duration) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var idle []string
	now := t.now()
	for opID, s := range t.sessions {
		if now.Sub(s.LastActive) > timeout {
			idle = append(idle, opID)
		}
	}
	slices.Sort(idle)
	return idle
}

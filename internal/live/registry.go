package live

import (
	"sync"

	"github.com/chromedp/cdproto/target"
)

// SessionRegistry maps CDP target IDs to attached flat-session IDs. A tab
// without a session has no detail channel yet.
type SessionRegistry struct {
	sessions  map[target.ID]string
	attaching map[target.ID]bool
	mu        sync.RWMutex
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions:  make(map[target.ID]string),
		attaching: make(map[target.ID]bool),
	}
}

func (r *SessionRegistry) Register(id target.ID, sessionID string) {
	r.mu.Lock()
	r.sessions[id] = sessionID
	delete(r.attaching, id)
	r.mu.Unlock()
}

func (r *SessionRegistry) Session(id target.ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// BeginAttach marks id as attaching; it returns false when an attach is
// already in flight or a session exists.
func (r *SessionRegistry) BeginAttach(id target.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok || r.attaching[id] {
		return false
	}
	r.attaching[id] = true
	return true
}

func (r *SessionRegistry) AbortAttach(id target.ID) {
	r.mu.Lock()
	delete(r.attaching, id)
	r.mu.Unlock()
}

// Remove forgets id and returns its session, if any.
func (r *SessionRegistry) Remove(id target.ID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	delete(r.attaching, id)
	return s, ok
}

// Drain removes and returns every session.
func (r *SessionRegistry) Drain() map[target.ID]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sessions
	r.sessions = make(map[target.ID]string)
	r.attaching = make(map[target.ID]bool)
	return out
}

func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

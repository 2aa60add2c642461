package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry is the process-wide map from session id to Session. It is the
// only shared mutable structure in the system; all operations are
// serialized by a single mutex so they are linearizable.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      logger,
	}
}

// CreateSession inserts a new Session for id. The registry does not itself
// detect id collisions; callers must DeleteSession first.
func (r *Registry) CreateSession(id, connectionID string, cfg Config) *Session {
	s := New(id, connectionID, cfg, r.log)
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// GetSession returns the session for id, or nil if absent.
func (r *Registry) GetSession(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// HasSession reports whether id is currently registered.
func (r *Registry) HasSession(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// DeleteSession invokes cleanup on the session (if present) and removes it.
func (r *Registry) DeleteSession(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		s.Cleanup()
	}
}

// GetAllSessions returns a snapshot copy of the currently registered
// sessions.
func (r *Registry) GetAllSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// GetSessionCount returns the number of registered sessions.
func (r *Registry) GetSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cleanup tears down and removes every registered session.
func (r *Registry) Cleanup() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.Cleanup()
	}
}

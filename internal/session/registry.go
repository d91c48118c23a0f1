package session

import (
	"slices"
	"sync"
)

// Registry is the process-wide table of live call sessions.
//
// The registry lock only guards the map itself; per-call state is guarded by
// each [CallSession]'s own lock. Lock order is always registry then session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*CallSession)}
}

// GetOrCreate returns the live session for callID, creating it if absent.
// A session whose call has ended is replaced by a fresh one.
func (r *Registry) GetOrCreate(callID string) *CallSession {
	r.mu.RLock()
	s, ok := r.sessions[callID]
	r.mu.RUnlock()
	if ok && !s.Ended() {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[callID]; ok && !s.Ended() {
		return s
	}
	s = newCallSession(callID)
	r.sessions[callID] = s
	return s
}

// Lookup returns the session for callID, if any.
func (r *Registry) Lookup(callID string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Remove deletes the entry for callID. Removing an absent id is a no-op.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

// RemoveSession deletes s from the registry, but only while the entry for
// its call id still refers to s.
func (r *Registry) RemoveSession(s *CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
}

// RemoveIfIdle ends and removes s when it has neither subscribers nor an open
// voice connection. It reports whether s is no longer in the registry.
func (r *Registry) RemoveIfIdle(s *CallSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !s.endIfIdle() {
		return false
	}
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the sorted call identifiers of all live sessions.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

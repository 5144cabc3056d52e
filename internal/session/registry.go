// SPDX-License-Identifier: MIT

package session

import (
	"errors"
	"sync"
)

// ErrAlreadyOpen is returned by Register when a device already owns an open
// session. Callers resolve it by aborting the stale session first.
var ErrAlreadyOpen = errors.New("session already open for device")

// Registry is the authoritative map of currently-open sessions by device.
// It is the only shared mutable structure between connection tasks and the
// sweeper; one mutex serializes all operations. The at-most-one-open-session
// per device invariant is enforced here so individual connection managers
// need no device-spanning visibility.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register binds the one open session for a device.
func (r *Registry) Register(deviceID string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[deviceID]; exists {
		return ErrAlreadyOpen
	}
	r.sessions[deviceID] = s
	return nil
}

// Lookup returns the open session for a device, if any.
func (r *Registry) Lookup(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// Remove unbinds a session only if it is still the registered one for the
// device. The compare-and-remove makes close/abort races exactly-once: the
// loser observes false and treats its own finalization as a no-op.
func (r *Registry) Remove(deviceID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[deviceID]
	if !ok || s.ID() != sessionID {
		return false
	}
	delete(r.sessions, deviceID)
	return true
}

// Snapshot returns the currently-open sessions for sweep iteration.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

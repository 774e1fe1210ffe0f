package broker

import (
	"fmt"
	"sync"
)

// Registry is the broker's process-wide session registry. Reads (List,
// Lookup) and writes (Register, Unregister) serialize through a single
// RWMutex, giving list snapshots reader access and registration writer
// access.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a session to the registry, keyed by its session id.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Unregister removes a session from the registry by id. Idempotent.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Lookup finds a session by id.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// List returns a snapshot slice of the currently registered sessions. The
// caller reads each session's attributes through that session's accessors,
// each of which locks on its own, so the values read from one session are
// not one atomic snapshot of it.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Size returns the number of registered sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// PortBinder tracks which remote ports are currently bound, giving the
// broker fast early rejection of a conflicting REGISTER before it ever calls
// net.Listen.
// Port binding is implicitly serialized by the OS too, but net.Listen errors
// surface later and with a less specific message.
type PortBinder struct {
	mu    sync.Mutex
	bound map[uint16]string // remote_port -> owning session id
}

// NewPortBinder creates an empty port binder.
func NewPortBinder() *PortBinder {
	return &PortBinder{bound: make(map[uint16]string)}
}

// TryBind reserves port for sessionID, failing if it is already bound to a
// different (or the same) session. At any instant each remote_port is
// bound to at most one session.
func (b *PortBinder) TryBind(port uint16, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.bound[port]; ok {
		return fmt.Errorf("port %d already bound to session %s", port, owner)
	}
	b.bound[port] = sessionID
	return nil
}

// Release frees port, making it immediately rebindable.
func (b *PortBinder) Release(port uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bound, port)
}

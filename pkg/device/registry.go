package device

import "sync"

// Registry tracks every open session of one provisioning run so that all of
// them are closed exactly once, whichever way the run ends.
type Registry struct {
	mu       sync.Mutex
	sessions []*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds s. Connect calls it once the channel is up.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, have := range r.sessions {
		if have == s {
			return
		}
	}
	r.sessions = append(r.sessions, s)
}

// Unregister removes s. Session.Close calls it.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, have := range r.sessions {
		if have == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return
		}
	}
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns the open sessions in registration order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions...)
}

// CloseAll closes every open session and returns how many it closed. It is
// safe to call repeatedly; later calls find nothing left to close.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	open := r.sessions
	r.sessions = nil
	r.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
	return len(open)
}

package session

import (
	"sync"
	"time"
)

// Registry maps sandbox names to live sessions. It is constructed once at
// process start and handed to the handlers that need it; independent
// registries can coexist (tests rely on this).
type Registry struct {
	ttl     time.Duration
	maxSize int

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(ttl time.Duration, maxSize int) *Registry {
	return &Registry{
		ttl:      ttl,
		maxSize:  maxSize,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for name, constructing it on first use.
// The check-then-act runs under the registry lock, so concurrent attaches
// for a new name still end up on a single session instance.
func (r *Registry) GetOrCreate(name, ownerID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[name]; ok {
		return s
	}
	s := newSession(name, ownerID, r.ttl, r.maxSize)
	r.sessions[name] = s
	return s
}

// Delete removes the session, cancels its expiry timer and force-closes
// every attached viewer. No-op when the name is unknown.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	if ok {
		s.destroy()
	}
}

// Len reports the number of live sessions, for health reporting.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

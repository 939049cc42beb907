package server

import (
	"sync"

	"github.com/gridwise/gridagent-server/internal/domain"
)

// Registry is the process-wide MAC → connection map. It permits at most
// one live owner per MAC; claiming an occupied slot displaces the prior
// owner.
type Registry struct {
	mu    sync.Mutex
	conns map[domain.MAC]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.MAC]*Conn)}
}

// Claim registers c as the owner of its MAC and returns the displaced
// prior owner, if any.
func (r *Registry) Claim(c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prior := r.conns[c.mac]
	if prior == c {
		return nil
	}
	r.conns[c.mac] = c
	return prior
}

// Release removes the mapping iff it still points at c. Returns whether
// the release actually happened; a displaced handler gets false and must
// not touch online state.
func (r *Registry) Release(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.mac] != c {
		return false
	}
	delete(r.conns, c.mac)
	return true
}

// Lookup returns the current owner for a MAC.
func (r *Registry) Lookup(mac domain.MAC) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[mac]
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot returns the currently registered connections.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

package bridge

import "sync"

// Registry resolves bus addresses to bridges.
// Bridges are added at construction time; lookups are a linear scan in
// registration order, so the first bridge owning an address wins.
type Registry struct {
	mu      sync.RWMutex
	bridges []*Bridge
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a bridge to the registry
func (r *Registry) Add(b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridges = append(r.bridges, b)
}

// Resolve returns the first bridge whose step or percent address matches
func (r *Registry) Resolve(address string) (*Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.bridges {
		if b.Owns(address) {
			return b, true
		}
	}
	return nil, false
}

// Len returns the number of registered bridges
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// Bridges returns a copy of the registered bridges in registration order
func (r *Registry) Bridges() []*Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Bridge, len(r.bridges))
	copy(out, r.bridges)
	return out
}

package resilience

import (
	"sync"
	"time"
)

// Registry holds one named CircuitBreaker per external service
// (download, analysis, generation, upload, messaging), created lazily on
// first use with the same tuning for every instance. Components that need
// per-service overrides should construct their own CircuitBreaker and
// register it explicitly with Register.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	defaults func(name string) *CircuitBreaker
}

// NewRegistry creates a Registry. defaults builds a breaker for a service
// name not yet seen; pass nil to use package-level sane defaults.
func NewRegistry(defaults func(name string) *CircuitBreaker) *Registry {
	if defaults == nil {
		defaults = func(name string) *CircuitBreaker {
			return NewCircuitBreaker(name, 5, 10, 60*time.Second, 30*time.Second)
		}
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Get returns the breaker for name, creating it via defaults on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := r.defaults(name)
	r.breakers[name] = cb
	return cb
}

// Register installs an explicitly constructed breaker under name,
// overwriting any lazily-created one.
func (r *Registry) Register(name string, cb *CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[name] = cb
}

// Snapshot returns the current state of every breaker the registry has
// created so far, keyed by service name, for the detailed-health endpoint.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.GetState().String()
	}
	return out
}

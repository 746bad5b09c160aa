package resilience

import "sync"

// Registry holds one breaker per downstream service name, created lazily.
// Breakers are process-wide and shared across all claims: they protect the
// downstream service itself, not an individual claim's calls.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  BreakerSettings
	overrides map[string]BreakerSettings

	// OnTransition receives every state change of every breaker.
	OnTransition func(service string, from, to State)
}

// NewRegistry creates a registry with the given default settings. Per-service
// settings can be added with Configure before the first Get for that name.
func NewRegistry(defaults BreakerSettings) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		defaults:  defaults.withDefaults(),
		overrides: make(map[string]BreakerSettings),
	}
}

// Configure sets per-service breaker settings. It has no effect on a breaker
// that was already created.
func (r *Registry) Configure(service string, settings BreakerSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[service] = settings.withDefaults()
}

// Get returns the breaker for the named service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}
	settings := r.defaults
	if o, ok := r.overrides[service]; ok {
		settings = o
	}
	b := NewBreaker(service, settings)
	b.onTransition = func(name string, from, to State) {
		if r.OnTransition != nil {
			r.OnTransition(name, from, to)
		}
	}
	r.breakers[service] = b
	return b
}

// States returns a snapshot of every known breaker's current state, keyed by
// service name.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for _, b := range breakers {
		out[b.Name()] = b.State()
	}
	return out
}

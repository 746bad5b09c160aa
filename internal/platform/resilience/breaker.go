package resilience

import (
	"context"
	"sync"
	"time"
)

// State is the breaker's current mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

const (
	DefaultFailureThreshold = 5
	DefaultOpenDuration     = 60 * time.Second
)

// BreakerSettings configures one breaker.
type BreakerSettings struct {
	FailureThreshold int
	OpenDuration     time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = DefaultOpenDuration
	}
	return s
}

// Breaker is a classic three-state circuit breaker. It is shared across all
// claims calling one downstream service, so all transitions happen under a
// single mutex. While half-open, exactly one trial call is admitted; a
// concurrent second call is rejected with ErrCircuitOpen.
type Breaker struct {
	name     string
	settings BreakerSettings

	mu            sync.Mutex
	state         State
	generation    uint64
	failures      int
	retryAt       time.Time
	trialInFlight bool
	lastErr       error

	now          func() time.Time
	onTransition func(name string, from, to State)
}

// NewBreaker creates a closed breaker for the named service.
func NewBreaker(name string, settings BreakerSettings) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		state:    StateClosed,
		now:      time.Now,
	}
}

// Name returns the downstream service name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the breaker's current mode, accounting for an elapsed open
// window (an open breaker past its retry time reports half_open).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.retryAt) {
		return StateHalfOpen
	}
	return b.state
}

// LastError returns the most recent failure observed by the breaker.
func (b *Breaker) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Do runs fn if the breaker admits the call. Open breakers reject immediately
// without invoking fn until the open window elapses, at which point a single
// trial is admitted. Each admitted call is stamped with the breaker's current
// generation; a result arriving after the breaker has since transitioned is
// discarded, so a slow call from before the breaker opened can neither close
// it early nor release a half-open trial slot it never held.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(gen, err)
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return b.generation, nil
	case StateOpen:
		if b.now().Before(b.retryAt) {
			return 0, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return b.generation, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return 0, ErrCircuitOpen
		}
		b.trialInFlight = true
		return b.generation, nil
	}
	return b.generation, nil
}

func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Stale result from before a state transition.
	if gen != b.generation {
		return
	}

	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}

	if err == nil {
		b.failures = 0
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
		return
	}

	b.lastErr = err
	switch b.state {
	case StateHalfOpen:
		// Trial failed: reopen and recompute the retry time.
		b.transition(StateOpen)
		b.retryAt = b.now().Add(b.settings.OpenDuration)
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.transition(StateOpen)
			b.retryAt = b.now().Add(b.settings.OpenDuration)
		}
	}
}

// transition must be called with the mutex held. Advancing the generation
// invalidates the results of every call admitted before the transition.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.generation++
	if to == StateClosed || to == StateHalfOpen {
		b.failures = 0
	}
	if b.onTransition != nil && from != to {
		b.onTransition(b.name, from, to)
	}
}

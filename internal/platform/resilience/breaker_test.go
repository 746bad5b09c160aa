package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errDown = errors.New("service unavailable")

func failOnce(b *Breaker) error {
	return b.Do(context.Background(), func(_ context.Context) error { return errDown })
}

func TestBreakerOpensExactlyAtThreshold(t *testing.T) {
	b := NewBreaker("signing", BreakerSettings{FailureThreshold: 5, OpenDuration: time.Minute})

	for i := 1; i <= 4; i++ {
		_ = failOnce(b)
		if got := b.State(); got != StateClosed {
			t.Fatalf("after %d failures expected closed, got %s", i, got)
		}
	}
	_ = failOnce(b)
	if got := b.State(); got != StateOpen {
		t.Fatalf("after 5th failure expected open, got %s", got)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("signing", BreakerSettings{FailureThreshold: 3, OpenDuration: time.Minute})

	_ = failOnce(b)
	_ = failOnce(b)
	if err := b.Do(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = failOnce(b)
	_ = failOnce(b)
	if got := b.State(); got != StateClosed {
		t.Errorf("failure count should reset on success; expected closed, got %s", got)
	}
}

func TestBreakerOpenRejectsWithoutCalling(t *testing.T) {
	b := NewBreaker("signing", BreakerSettings{FailureThreshold: 1, OpenDuration: time.Minute})
	_ = failOnce(b)

	called := false
	err := b.Do(context.Background(), func(_ context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("underlying function must not be invoked while open")
	}
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	b := NewBreaker("signing", BreakerSettings{FailureThreshold: 1, OpenDuration: time.Minute})
	now := time.Now()
	b.now = func() time.Time { return now }

	_ = failOnce(b)
	now = now.Add(61 * time.Second)

	err := b.Do(context.Background(), func(_ context.Context) error { return nil })
	if err != nil {
		t.Fatalf("trial call should be admitted, got %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("expected closed after successful trial, got %s", got)
	}
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	b := NewBreaker("signing", BreakerSettings{FailureThreshold: 1, OpenDuration: time.Minute})
	now := time.Now()
	b.now = func() time.Time { return now }

	_ = failOnce(b)
	now = now.Add(61 * time.Second)

	if err := failOnce(b); !errors.Is(err, errDown) {
		t.Fatalf("trial call should reach the service, got %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("expected open after failed trial, got %s", got)
	}
	// The open window restarts from the failed trial.
	if err := failOnce(b); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected immediate rejection inside new window, got %v", err)
	}
}

func TestBreakerHalfOpenAdmitsSingleConcurrentTrial(t *testing.T) {
	b := NewBreaker("signing", BreakerSettings{FailureThreshold: 1, OpenDuration: time.Minute})
	now := time.Now()
	b.now = func() time.Time { return now }

	_ = failOnce(b)
	now = now.Add(61 * time.Second)

	trialStarted := make(chan struct{})
	release := make(chan struct{})
	var trialErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		trialErr = b.Do(context.Background(), func(_ context.Context) error {
			close(trialStarted)
			<-release
			return nil
		})
	}()

	<-trialStarted
	err := b.Do(context.Background(), func(_ context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent call during half-open window should be rejected, got %v", err)
	}

	close(release)
	wg.Wait()
	if trialErr != nil {
		t.Errorf("trial call failed: %v", trialErr)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("expected closed after trial success, got %s", got)
	}
}

func TestBreakerStaleSuccessDoesNotCloseOpenBreaker(t *testing.T) {
	b := NewBreaker("signing", BreakerSettings{FailureThreshold: 2, OpenDuration: time.Minute})

	slowStarted := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(context.Background(), func(_ context.Context) error {
			close(slowStarted)
			<-release
			return nil
		})
	}()
	<-slowStarted

	// The breaker opens while the slow call is still in flight.
	_ = failOnce(b)
	_ = failOnce(b)
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected open after reaching the threshold, got %s", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("slow call failed: %v", err)
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("a success admitted before the breaker opened must not close it, got %s", got)
	}
	if err := b.Do(context.Background(), func(_ context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected rejection for the rest of the open window, got %v", err)
	}
}

func TestBreakerStaleResultDoesNotReleaseTrialSlot(t *testing.T) {
	b := NewBreaker("signing", BreakerSettings{FailureThreshold: 1, OpenDuration: time.Minute})
	now := time.Now()
	b.now = func() time.Time { return now }

	slowStarted := make(chan struct{})
	releaseSlow := make(chan struct{})
	slowDone := make(chan error, 1)
	go func() {
		slowDone <- b.Do(context.Background(), func(_ context.Context) error {
			close(slowStarted)
			<-releaseSlow
			return errDown
		})
	}()
	<-slowStarted

	_ = failOnce(b)
	now = now.Add(61 * time.Second)

	trialStarted := make(chan struct{})
	releaseTrial := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Do(context.Background(), func(_ context.Context) error {
			close(trialStarted)
			<-releaseTrial
			return nil
		})
	}()
	<-trialStarted

	// The stale result belongs to the closed era and must not free the
	// half-open trial slot.
	close(releaseSlow)
	<-slowDone
	if err := b.Do(context.Background(), func(_ context.Context) error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected the single-trial invariant to hold, got %v", err)
	}

	close(releaseTrial)
	if err := <-trialDone; err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("expected closed after the real trial succeeded, got %s", got)
	}
}

func TestBreakerLastError(t *testing.T) {
	b := NewBreaker("signing", BreakerSettings{FailureThreshold: 2, OpenDuration: time.Minute})
	_ = failOnce(b)
	if got := b.LastError(); !errors.Is(got, errDown) {
		t.Errorf("expected last error recorded, got %v", got)
	}
}

func TestRegistryReturnsSameBreakerPerService(t *testing.T) {
	r := NewRegistry(BreakerSettings{})
	a := r.Get("signing")
	b := r.Get("signing")
	if a != b {
		t.Error("expected one breaker instance per service name")
	}
	if r.Get("normalization") == a {
		t.Error("expected distinct breakers for distinct services")
	}
}

func TestRegistryPerServiceOverride(t *testing.T) {
	r := NewRegistry(BreakerSettings{FailureThreshold: 5, OpenDuration: time.Minute})
	r.Configure("platform", BreakerSettings{FailureThreshold: 1, OpenDuration: time.Minute})

	b := r.Get("platform")
	_ = failOnce(b)
	if got := b.State(); got != StateOpen {
		t.Errorf("override threshold should apply; expected open, got %s", got)
	}
}

func TestRegistryEmitsTransitions(t *testing.T) {
	r := NewRegistry(BreakerSettings{FailureThreshold: 1, OpenDuration: time.Minute})
	type tr struct {
		service  string
		from, to State
	}
	var seen []tr
	r.OnTransition = func(service string, from, to State) {
		seen = append(seen, tr{service, from, to})
	}

	_ = failOnce(r.Get("signing"))
	if len(seen) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(seen))
	}
	if seen[0].service != "signing" || seen[0].from != StateClosed || seen[0].to != StateOpen {
		t.Errorf("unexpected transition: %+v", seen[0])
	}
}

// Package resilience implements the outbound-call protection used for every
// downstream service: bounded exponential-backoff retries with a per-call
// timeout, and a three-state circuit breaker keyed by service name.
package resilience

import (
	"context"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultCallTimeout = 30 * time.Second
)

// AttemptEvent describes the outcome of a single call attempt. Events are
// emitted for every attempt, successful or not, so the orchestrator can
// record them on the claim timeline.
type AttemptEvent struct {
	Service string
	Attempt int
	Err     error
	Elapsed time.Duration
}

// Caller executes a request function with bounded retries. Failures are
// classified by IsTerminal: client errors and open circuits stop immediately,
// transient failures are retried after an exponential backoff of
// 2^attempt * BaseDelay.
type Caller struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CallTimeout time.Duration

	// OnAttempt, when set, receives one event per attempt. The context is the
	// caller's, so consumers can recover request-scoped values from it.
	OnAttempt func(ctx context.Context, ev AttemptEvent)

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCaller returns a Caller with the default policy. Zero or negative
// arguments fall back to the defaults.
func NewCaller(maxAttempts int, baseDelay, callTimeout time.Duration) *Caller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Caller{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		CallTimeout: callTimeout,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn up to MaxAttempts times. Each attempt gets its own deadline of
// CallTimeout. A timeout counts as a transient failure. The last error is
// wrapped in RetriesExhaustedError once attempts run out.
func (c *Caller) Do(ctx context.Context, service string, fn func(ctx context.Context) error) error {
	sleep := c.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.CallTimeout)
		start := time.Now()
		err := fn(attemptCtx)
		cancel()

		if c.OnAttempt != nil {
			c.OnAttempt(ctx, AttemptEvent{Service: service, Attempt: attempt, Err: err, Elapsed: time.Since(start)})
		}

		if err == nil {
			return nil
		}
		if IsTerminal(err) {
			return err
		}
		lastErr = err

		if attempt == c.MaxAttempts {
			break
		}
		if err := sleep(ctx, c.backoff(attempt)); err != nil {
			return err
		}
	}
	return &RetriesExhaustedError{Service: service, Attempts: c.MaxAttempts, Last: lastErr}
}

// backoff returns 2^attempt * BaseDelay (2s, 4s, 8s... with the default base).
func (c *Caller) backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

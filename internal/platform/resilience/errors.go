package resilience

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when a breaker rejects a call without attempting
// it. The caller treats it as terminal for the current call; the breaker
// recovers on its own once the open window elapses.
var ErrCircuitOpen = errors.New("circuit open")

// StatusError carries the HTTP status and error body of a non-2xx downstream
// response.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s returned %d: %s", e.Service, e.Code, e.Body)
	}
	return fmt.Sprintf("%s returned %d", e.Service, e.Code)
}

// RetriesExhaustedError is surfaced after every allowed attempt has failed
// with a retryable error. It wraps the last attempt's error.
type RetriesExhaustedError struct {
	Service  string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Service, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// IsTerminal reports whether err must not be retried. Client errors (4xx)
// and an open circuit are terminal; everything else (5xx, network failures,
// timeouts) is considered transient.
func IsTerminal(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500
	}
	return false
}

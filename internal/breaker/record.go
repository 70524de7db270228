// Package breaker implements the per-scope circuit breaker: a pure state
// machine over a store-persisted record, an admission middleware, and the
// fallback response served while a circuit is open.
package breaker

import (
	"time"
)

// State is a circuit state. String values are persisted in the record and
// surfaced in the circuit-state response header.
type State string

const (
	// StateClosed means the scope is operating normally.
	StateClosed State = "closed"
	// StateOpen means the scope is failing fast.
	StateOpen State = "open"
	// StateHalfOpen means trial requests probe whether the scope recovered.
	StateHalfOpen State = "half_open"
)

// Record is the persisted circuit state for one scope. Invariants: OpenedAt
// is set exactly while the state is open; FailureCount drives the
// closed-to-open transition and is reset when the circuit closes.
type Record struct {
	State        State      `json:"state"`
	FailureCount int        `json:"failureCount"`
	OpenedAt     *time.Time `json:"openedAt,omitempty"`
}

// NewRecord is the lazily created state for a scope seen for the first time.
func NewRecord() Record {
	return Record{State: StateClosed}
}

// Admission is the decision for the current request.
type Admission int

const (
	// AdmitClosed lets the request through under normal operation.
	AdmitClosed Admission = iota
	// AdmitTrial lets the request through as a half-open probe.
	AdmitTrial
	// Reject fails the request fast without reaching the origin.
	Reject
)

// Admit evaluates the record for an incoming request. An open record past the
// timeout is rewritten half-open before the request is considered, so the
// returned record must be persisted when changed is true.
func Admit(rec Record, now time.Time, timeout time.Duration) (Record, Admission, bool) {
	switch rec.State {
	case StateOpen:
		if rec.OpenedAt != nil && now.Sub(*rec.OpenedAt) >= timeout {
			rec.State = StateHalfOpen
			rec.OpenedAt = nil
			return rec, AdmitTrial, true
		}
		return rec, Reject, false
	case StateHalfOpen:
		return rec, AdmitTrial, false
	default:
		return rec, AdmitClosed, false
	}
}

// Observe folds one classified outcome into the record. While closed, a
// failure increments the counter and a success decrements it toward zero as
// recovery credit; reaching threshold opens the circuit. A half-open trial
// closes the circuit on success and reopens it with a fresh timestamp on
// failure. The returned bool reports whether the record changed.
func Observe(rec Record, failure bool, threshold int, now time.Time) (Record, bool) {
	switch rec.State {
	case StateHalfOpen:
		if failure {
			opened := now
			return Record{State: StateOpen, OpenedAt: &opened}, true
		}
		return Record{State: StateClosed}, true
	case StateClosed:
		if failure {
			rec.FailureCount++
			if rec.FailureCount >= threshold {
				opened := now
				return Record{State: StateOpen, FailureCount: rec.FailureCount, OpenedAt: &opened}, true
			}
			return rec, true
		}
		if rec.FailureCount > 0 {
			rec.FailureCount--
			return rec, true
		}
		return rec, false
	default:
		// Open records are not observed: rejected requests never reach the
		// origin, and admitted trials were rewritten half-open first.
		return rec, false
	}
}

// RetryAfter computes the seconds a client should wait before retrying an
// open circuit, floored at zero.
func RetryAfter(rec Record, now time.Time, timeout time.Duration) int {
	if rec.State != StateOpen || rec.OpenedAt == nil {
		return 0
	}
	remaining := timeout - now.Sub(*rec.OpenedAt)
	if remaining < 0 {
		return 0
	}
	return int(remaining / time.Second)
}

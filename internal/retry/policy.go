// Package retry implements the dispatcher's retry strategy: exponential
// backoff with full jitter, driven through an explicit per-job state machine
// so the progression is unit-testable without real I/O.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"refresh-dispatcher/internal/domain"
)

// Default knobs. These are configuration defaults, not hardcoded behavior.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
)

// Policy is a stateless retry strategy. Safe for concurrent use; each job
// derives its own Sequence from it.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used when no knobs are configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Ceiling returns the maximum delay after failed attempt n (1-based):
// min(MaxDelay, BaseDelay * 2^(n-1)).
func (p Policy) Ceiling(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Delay draws the actual wait after failed attempt n: uniform in
// [0, Ceiling(n)]. Full jitter avoids a thundering herd when many jobs back
// off at once.
func (p Policy) Delay(attempt int) time.Duration {
	return time.Duration(rand.Float64() * float64(p.Ceiling(attempt)))
}

// State of one job's attempt progression.
type State int

const (
	StatePending State = iota
	StateAttempting
	StateSucceeded
	StateRetryScheduled
	StateExhausted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateRetryScheduled:
		return "retry_scheduled"
	case StateExhausted:
		return "exhausted"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further attempts may be made.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateExhausted, StateAborted:
		return true
	default:
		return false
	}
}

// Sequence tracks the attempt progression of a single job. It is exclusively
// owned by that job's pipeline and is not safe for concurrent use.
type Sequence struct {
	policy  Policy
	state   State
	attempt int
}

// Sequence derives a fresh attempt sequence in StatePending.
func (p Policy) Sequence() *Sequence {
	return &Sequence{policy: p, state: StatePending}
}

// State returns the current state.
func (s *Sequence) State() State {
	return s.state
}

// Attempt returns the number of attempts begun so far.
func (s *Sequence) Attempt() int {
	return s.attempt
}

// Next transitions Pending or RetryScheduled into Attempting and returns the
// 1-based attempt number. ok is false when the sequence is already terminal.
func (s *Sequence) Next() (attempt int, ok bool) {
	if s.state != StatePending && s.state != StateRetryScheduled {
		return s.attempt, false
	}
	s.attempt++
	s.state = StateAttempting
	return s.attempt, true
}

// Observe records the classified outcome of the current attempt and returns
// the resulting state. For StateRetryScheduled the returned delay is the
// jittered backoff to wait before calling Next again; it is zero otherwise,
// so a fatal failure never observes a retry delay.
func (s *Sequence) Observe(kind domain.OutcomeKind) (State, time.Duration) {
	if s.state != StateAttempting {
		return s.state, 0
	}
	switch kind {
	case domain.OutcomeSuccess:
		s.state = StateSucceeded
	case domain.OutcomeFatal:
		s.state = StateAborted
	case domain.OutcomeRetryable:
		if s.attempt >= s.policy.MaxAttempts {
			s.state = StateExhausted
		} else {
			s.state = StateRetryScheduled
			return s.state, s.policy.Delay(s.attempt)
		}
	}
	return s.state, 0
}

package domain

import "time"

// OutcomeKind classifies the result of a single downstream attempt.
type OutcomeKind int

const (
	// OutcomeSuccess means the downstream accepted the work (or had already
	// processed it under the same idempotency key).
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryable means a transient failure worth retrying: transport
	// errors and 5xx-class responses.
	OutcomeRetryable
	// OutcomeFatal means a permanent rejection, typically a malformed request.
	// No retry regardless of remaining budget.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable_failure"
	case OutcomeFatal:
		return "fatal_failure"
	default:
		return "unknown"
	}
}

// Outcome is the DownstreamClient's classification of one attempt.
type Outcome struct {
	Kind   OutcomeKind
	Status int   // HTTP status code, when a response was received
	Err    error // cause, for retryable and fatal failures
}

// SuccessOutcome builds a success outcome for the given status code.
func SuccessOutcome(status int) Outcome {
	return Outcome{Kind: OutcomeSuccess, Status: status}
}

// RetryableOutcome builds a transient-failure outcome.
func RetryableOutcome(status int, err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Status: status, Err: err}
}

// FatalOutcome builds a permanent-failure outcome.
func FatalOutcome(status int, err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Status: status, Err: err}
}

// AttemptRecord captures one try of one job. Records are appended to the
// job's in-memory attempt log and live only as long as the batch result.
type AttemptRecord struct {
	Job       JobDescriptor
	Attempt   int // 1-based
	StartedAt time.Time
	Latency   time.Duration
	Outcome   Outcome
}

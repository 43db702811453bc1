package domain

import "time"

// JobStatus is the terminal state of a job within a batch.
type JobStatus string

const (
	// StatusSucceeded means the downstream accepted the job.
	StatusSucceeded JobStatus = "succeeded"
	// StatusExhausted means the retry budget was spent on transient failures.
	// Kept distinct from aborted so operators can tell "gave up" from "rejected".
	StatusExhausted JobStatus = "exhausted"
	// StatusAborted means the downstream rejected the job permanently.
	StatusAborted JobStatus = "aborted"
	// StatusCancelled means the batch was cancelled before the job finished.
	StatusCancelled JobStatus = "cancelled"
)

// Failed reports whether the status counts against the batch.
func (s JobStatus) Failed() bool {
	return s != StatusSucceeded
}

// JobResult is one job's terminal state together with its full attempt log.
type JobResult struct {
	Job      JobDescriptor
	Status   JobStatus
	Attempts []AttemptRecord
	Err      error // terminal cause for non-succeeded jobs
}

// Final returns the last attempt record. ok is false when the job never
// started an attempt (cancelled while still queued).
func (r JobResult) Final() (rec AttemptRecord, ok bool) {
	if len(r.Attempts) == 0 {
		return AttemptRecord{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}

// BatchResult aggregates the terminal outcomes of one dispatch call.
// PerJob preserves input order positionally: PerJob[i] corresponds to the
// i-th job handed to Dispatch, regardless of completion timing.
// Succeeded + Failed == Total always holds.
type BatchResult struct {
	BatchID   string
	TraceID   string
	StartedAt time.Time
	Duration  time.Duration
	Total     int
	Succeeded int
	Failed    int
	PerJob    []JobResult
}

package domain

// Event types emitted by the dispatcher.
const (
	EventAttempt      = "attempt"
	EventBatchSummary = "batch_summary"
)

// Event is one structured observability record: one per attempt plus one
// summary per batch.
type Event struct {
	Type           string
	BatchID        string
	TraceID        string
	JobID          int64
	IdempotencyKey string
	Attempt        int
	Outcome        string
	LatencyMS      int64

	// Summary fields, set only for batch_summary events.
	Total     int
	Succeeded int
	Failed    int
}

// EventSink receives dispatcher events. Sinks are best-effort: an
// implementation must never fail or block job progress.
type EventSink interface {
	Emit(ev Event)
}

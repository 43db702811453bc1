// Package events provides EventSink implementations for the dispatcher's
// observability stream.
package events

import (
	"log/slog"

	"refresh-dispatcher/internal/domain"
)

// SlogSink writes dispatcher events as structured log records. Logging never
// fails, which satisfies the best-effort sink contract.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink backed by the given logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With("component", "event-sink")}
}

// Emit writes one event.
func (s *SlogSink) Emit(ev domain.Event) {
	switch ev.Type {
	case domain.EventAttempt:
		s.logger.Info(domain.EventAttempt,
			"batch_id", ev.BatchID,
			"trace_id", ev.TraceID,
			"job_id", ev.JobID,
			"idempotency_key", ev.IdempotencyKey,
			"attempt", ev.Attempt,
			"outcome", ev.Outcome,
			"latency_ms", ev.LatencyMS,
		)
	case domain.EventBatchSummary:
		s.logger.Info(domain.EventBatchSummary,
			"batch_id", ev.BatchID,
			"trace_id", ev.TraceID,
			"total", ev.Total,
			"succeeded", ev.Succeeded,
			"failed", ev.Failed,
			"latency_ms", ev.LatencyMS,
		)
	default:
		s.logger.Warn("unknown event type", "type", ev.Type)
	}
}

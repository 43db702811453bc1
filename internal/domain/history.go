package domain

import (
	"context"
	"time"
)

// BatchRecord is the persisted summary of one finished batch.
type BatchRecord struct {
	BatchID    string            `json:"batch_id"`
	TraceID    string            `json:"trace_id"`
	StartedAt  time.Time         `json:"started_at"`
	DurationMS int64             `json:"duration_ms"`
	Total      int               `json:"total"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Jobs       map[string]string `json:"jobs"` // idempotency key -> terminal status
}

// Validate checks if the batch record is valid.
func (r *BatchRecord) Validate() error {
	if r.BatchID == "" {
		return &InvalidRecordError{Reason: "batch record ID cannot be empty"}
	}
	if r.StartedAt.IsZero() {
		return &InvalidRecordError{Reason: "batch record start time cannot be zero"}
	}
	return nil
}

// InvalidRecordError reports a malformed batch record.
type InvalidRecordError struct {
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return e.Reason
}

// HistoryRepository persists batch summaries for later inspection.
type HistoryRepository interface {
	// Save persists a single batch record.
	Save(ctx context.Context, record *BatchRecord) error
	// List retrieves historical batch records, newest first, with pagination.
	List(ctx context.Context, page, pageSize int) ([]*BatchRecord, error)
	// Get retrieves a single batch record by its ID.
	Get(ctx context.Context, batchID string) (*BatchRecord, error)
}

package domain

import (
	"fmt"
)

// DefaultNamespace prefixes derived idempotency keys when the caller does not
// configure one.
const DefaultNamespace = "refresh"

// CorrelationField is the payload entry every job must carry. It ties the job
// to the upstream change that triggered the refresh and feeds the idempotency key.
const CorrelationField = "correlated_id"

// InvalidJobError reports a malformed job. It is raised at construction time,
// before the job ever enters the dispatch pipeline.
type InvalidJobError struct {
	SubjectID int64
	Reason    string
}

func (e *InvalidJobError) Error() string {
	return fmt.Sprintf("invalid job for subject %d: %s", e.SubjectID, e.Reason)
}

// JobDescriptor describes one unit of refresh work. It is immutable once
// constructed; the idempotency key is derived, never settable by the caller.
type JobDescriptor struct {
	SubjectID      int64          `json:"subject_id"`
	Payload        map[string]int `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// NewJobDescriptor validates the payload and derives the idempotency key.
func NewJobDescriptor(namespace string, subjectID int64, payload map[string]int) (JobDescriptor, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	correlatedID, ok := payload[CorrelationField]
	if !ok {
		return JobDescriptor{}, &InvalidJobError{
			SubjectID: subjectID,
			Reason:    fmt.Sprintf("payload missing required %q field", CorrelationField),
		}
	}

	// Copy the payload so later mutations by the caller cannot leak into the job.
	copied := make(map[string]int, len(payload))
	for k, v := range payload {
		copied[k] = v
	}

	return JobDescriptor{
		SubjectID:      subjectID,
		Payload:        copied,
		IdempotencyKey: DeriveKey(namespace, subjectID, correlatedID),
	}, nil
}

// DeriveKey maps a (namespace, subject, correlation) triple to a stable
// deduplication key. Pure and deterministic: identical inputs always yield
// identical keys, distinct subject/correlation pairs always yield distinct keys.
func DeriveKey(namespace string, subjectID int64, correlatedID int) string {
	return fmt.Sprintf("%s:%d:%d", namespace, subjectID, correlatedID)
}

package domain

import "fmt"

// CancellationError marks a job that did not reach a downstream verdict
// because the batch was cancelled or timed out.
type CancellationError struct {
	Cause error
}

func (e *CancellationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("batch cancelled: %v", e.Cause)
	}
	return "batch cancelled"
}

func (e *CancellationError) Unwrap() error {
	return e.Cause
}

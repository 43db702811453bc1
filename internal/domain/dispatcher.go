package domain

import "context"

// Dispatcher runs a batch of jobs to completion and reports the aggregate
// result. The call returns only after every job has reached a terminal state.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobs []JobDescriptor) (*BatchResult, error)
}

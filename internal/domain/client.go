package domain

import "context"

// DownstreamClient performs one network call per attempt and classifies the
// result. Every outbound call carries the batch's trace id and the job's
// idempotency key so the receiver can deduplicate independently of the
// dispatcher's retry bookkeeping.
type DownstreamClient interface {
	Send(ctx context.Context, job JobDescriptor) Outcome
}

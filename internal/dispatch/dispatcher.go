// Package dispatch fans a finite batch of refresh jobs out to the downstream
// service under a concurrency cap, retrying transient failures per the
// configured policy. Failures are isolated per job: one job's exhaustion or
// abort never cancels its siblings.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"refresh-dispatcher/internal/domain"
	"refresh-dispatcher/internal/metrics"
	"refresh-dispatcher/internal/retry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher orchestrates one batch: limiter slot per downstream call,
// retry-policy-wrapped client invocation per job, order-preserving aggregation.
type Dispatcher struct {
	client  domain.DownstreamClient
	limiter *Limiter
	policy  retry.Policy
	grace   time.Duration
	sink    domain.EventSink
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New validates the configuration and builds a Dispatcher. Configuration
// errors surface here, before any job starts.
func New(client domain.DownstreamClient, limiter *Limiter, policy retry.Policy, grace time.Duration, sink domain.EventSink, logger *slog.Logger) (*Dispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("downstream client is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("concurrency limiter is required")
	}
	if policy.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1, got %d", policy.MaxAttempts)
	}
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:  client,
		limiter: limiter,
		policy:  policy,
		grace:   grace,
		sink:    sink,
		logger:  logger.With("component", "dispatcher"),
		tracer:  otel.Tracer("refresh-dispatcher-dispatch"),
	}, nil
}

// Dispatch runs every job to a terminal state and returns the aggregate
// result. PerJob[i] always corresponds to jobs[i]. On cancellation the result
// is still returned: unfinished jobs are marked cancelled and every held
// limiter slot is released before the call returns.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []domain.JobDescriptor) (*domain.BatchResult, error) {
	batchID := uuid.NewString()
	traceID := domain.TraceIDFrom(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = domain.WithTraceID(ctx, traceID)
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
		attribute.String("batch.trace_id", traceID),
		attribute.Int("batch.size", len(jobs)),
	))
	defer span.End()

	logger := d.logger.With("batch_id", batchID, "trace_id", traceID)
	logger.Info("dispatching batch", "total", len(jobs))

	start := time.Now()
	results := make([]domain.JobResult, len(jobs))

	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func(i int, job domain.JobDescriptor) {
			defer wg.Done()
			results[i] = d.runJob(ctx, batchID, traceID, job)
		}(i, jobs[i])
	}
	wg.Wait()

	res := &domain.BatchResult{
		BatchID:   batchID,
		TraceID:   traceID,
		StartedAt: start,
		Duration:  time.Since(start),
		Total:     len(jobs),
		PerJob:    results,
	}
	for _, jr := range results {
		if jr.Status.Failed() {
			res.Failed++
		} else {
			res.Succeeded++
		}
		metrics.BatchJobsTotal.WithLabelValues(string(jr.Status)).Inc()
	}

	d.emit(domain.Event{
		Type:      domain.EventBatchSummary,
		BatchID:   batchID,
		TraceID:   traceID,
		LatencyMS: res.Duration.Milliseconds(),
		Total:     res.Total,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
	})

	span.SetAttributes(
		attribute.Int("batch.succeeded", res.Succeeded),
		attribute.Int("batch.failed", res.Failed),
	)
	if res.Failed > 0 {
		span.SetStatus(codes.Error, "batch finished with failures")
	}
	logger.Info("batch finished",
		"total", res.Total,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"duration", res.Duration,
	)
	return res, nil
}

// runJob drives one job through the retry state machine until terminal.
// All state here is exclusively owned by this job's goroutine; the limiter's
// slot counter is the only thing shared with sibling pipelines.
func (d *Dispatcher) runJob(ctx context.Context, batchID, traceID string, job domain.JobDescriptor) domain.JobResult {
	logger := d.logger.With("batch_id", batchID, "subject_id", job.SubjectID, "idempotency_key", job.IdempotencyKey)

	seq := d.policy.Sequence()
	result := domain.JobResult{
		Job:      job,
		Attempts: make([]domain.AttemptRecord, 0, d.policy.MaxAttempts),
	}

	for {
		attempt, ok := seq.Next()
		if !ok {
			break
		}

		var rec domain.AttemptRecord
		if err := d.limiter.Do(ctx, func() {
			metrics.InFlight.Inc()
			defer metrics.InFlight.Dec()
			rec = d.attempt(ctx, job, attempt)
		}); err != nil {
			// Cancelled while still waiting for a slot: the attempt never started.
			result.Status = domain.StatusCancelled
			result.Err = &domain.CancellationError{Cause: context.Cause(ctx)}
			logger.Warn("job cancelled before attempt", "attempt", attempt)
			return result
		}

		result.Attempts = append(result.Attempts, rec)
		metrics.AttemptsTotal.WithLabelValues(rec.Outcome.Kind.String()).Inc()
		metrics.AttemptLatency.WithLabelValues(rec.Outcome.Kind.String()).Observe(rec.Latency.Seconds())
		d.emit(domain.Event{
			Type:           domain.EventAttempt,
			BatchID:        batchID,
			TraceID:        traceID,
			JobID:          job.SubjectID,
			IdempotencyKey: job.IdempotencyKey,
			Attempt:        attempt,
			Outcome:        rec.Outcome.Kind.String(),
			LatencyMS:      rec.Latency.Milliseconds(),
		})

		state, delay := seq.Observe(rec.Outcome.Kind)

		// A transient failure caused by batch cancellation is not a real
		// downstream verdict; report the job as cancelled, not exhausted.
		if ctx.Err() != nil && rec.Outcome.Kind == domain.OutcomeRetryable {
			result.Status = domain.StatusCancelled
			result.Err = &domain.CancellationError{Cause: context.Cause(ctx)}
			return result
		}

		switch state {
		case retry.StateSucceeded:
			result.Status = domain.StatusSucceeded
			return result
		case retry.StateAborted:
			result.Status = domain.StatusAborted
			result.Err = rec.Outcome.Err
			logger.Error("job aborted", "attempt", attempt, "error", rec.Outcome.Err)
			return result
		case retry.StateExhausted:
			result.Status = domain.StatusExhausted
			result.Err = fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt, rec.Outcome.Err)
			logger.Error("job exhausted", "attempts", attempt, "error", rec.Outcome.Err)
			return result
		case retry.StateRetryScheduled:
			logger.Info("retry scheduled", "attempt", attempt, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				result.Status = domain.StatusCancelled
				result.Err = &domain.CancellationError{Cause: context.Cause(ctx)}
				return result
			}
		}
	}

	// Not reachable when MaxAttempts >= 1.
	result.Status = domain.StatusAborted
	result.Err = fmt.Errorf("retry sequence ended without terminal state")
	return result
}

// attempt performs one downstream call and stamps the record. With a grace
// period configured, an attempt already in flight when the batch is cancelled
// may finish within that window instead of being torn down immediately.
func (d *Dispatcher) attempt(ctx context.Context, job domain.JobDescriptor, attempt int) domain.AttemptRecord {
	sendCtx := ctx
	if d.grace > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = graceContext(ctx, d.grace)
		defer cancel()
	}

	start := time.Now()
	outcome := d.client.Send(sendCtx, job)
	return domain.AttemptRecord{
		Job:       job,
		Attempt:   attempt,
		StartedAt: start,
		Latency:   time.Since(start),
		Outcome:   outcome,
	}
}

// graceContext returns a context that outlives parent's cancellation by
// grace, so in-flight work gets a bounded chance to finish.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		select {
		case <-time.After(grace):
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// emit forwards an event to the sink. Sinks are best-effort: a panicking sink
// must never take a job down with it.
func (d *Dispatcher) emit(ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("event sink panicked", "panic", r)
		}
	}()
	d.sink.Emit(ev)
}

type nopSink struct{}

func (nopSink) Emit(domain.Event) {}

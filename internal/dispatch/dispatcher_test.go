package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refresh-dispatcher/internal/domain"
	"refresh-dispatcher/internal/retry"
)

// stubClient scripts outcomes per job and tracks in-flight calls so tests can
// assert the concurrency ceiling.
type stubClient struct {
	mu      sync.Mutex
	calls   map[string]int
	current int
	peak    int
	delay   time.Duration
	script  func(job domain.JobDescriptor, call int) domain.Outcome
}

func newStubClient(script func(job domain.JobDescriptor, call int) domain.Outcome) *stubClient {
	return &stubClient{calls: make(map[string]int), script: script}
}

func (c *stubClient) Send(ctx context.Context, job domain.JobDescriptor) domain.Outcome {
	c.mu.Lock()
	c.calls[job.IdempotencyKey]++
	call := c.calls[job.IdempotencyKey]
	c.current++
	if c.current > c.peak {
		c.peak = c.current
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.current--
		c.mu.Unlock()
	}()

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return domain.RetryableOutcome(0, ctx.Err())
		}
	}
	return c.script(job, call)
}

func (c *stubClient) peakInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peak
}

func (c *stubClient) callCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *captureSink) Emit(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) all() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

type panicSink struct{}

func (panicSink) Emit(domain.Event) { panic("sink exploded") }

func makeJobs(t *testing.T, n int) []domain.JobDescriptor {
	t.Helper()
	jobs := make([]domain.JobDescriptor, 0, n)
	for i := 1; i <= n; i++ {
		job, err := domain.NewJobDescriptor("test", int64(i), map[string]int{domain.CorrelationField: 100 + i})
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	return jobs
}

func newTestDispatcher(t *testing.T, client domain.DownstreamClient, limit int, policy retry.Policy, grace time.Duration, sink domain.EventSink) (*Dispatcher, *Limiter) {
	t.Helper()
	limiter, err := NewLimiter(limit)
	require.NoError(t, err)
	d, err := New(client, limiter, policy, grace, sink, slog.Default())
	require.NoError(t, err)
	return d, limiter
}

func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestNew_ConfigurationErrors(t *testing.T) {
	limiter, err := NewLimiter(1)
	require.NoError(t, err)
	client := newStubClient(nil)

	_, err = New(nil, limiter, fastPolicy(3), 0, nil, slog.Default())
	assert.Error(t, err, "nil client")

	_, err = New(client, nil, fastPolicy(3), 0, nil, slog.Default())
	assert.Error(t, err, "nil limiter")

	_, err = New(client, limiter, fastPolicy(0), 0, nil, slog.Default())
	assert.Error(t, err, "max attempts below 1")

	okClient := newStubClient(func(domain.JobDescriptor, int) domain.Outcome {
		return domain.SuccessOutcome(200)
	})
	d, err := New(okClient, limiter, fastPolicy(3), 0, nil, nil)
	require.NoError(t, err, "nil logger falls back to the default")
	require.NotNil(t, d)
	res, err := d.Dispatch(context.Background(), makeJobs(t, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestDispatch_AllSucceedUnderConcurrencyCap(t *testing.T) {
	client := newStubClient(func(domain.JobDescriptor, int) domain.Outcome {
		return domain.SuccessOutcome(200)
	})
	client.delay = 10 * time.Millisecond

	d, limiter := newTestDispatcher(t, client, 2, fastPolicy(3), 0, nil)
	jobs := makeJobs(t, 5)

	res, err := d.Dispatch(context.Background(), jobs)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 5, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.LessOrEqual(t, client.peakInFlight(), 2, "in-flight calls must respect the limit")
	assert.Equal(t, int64(0), limiter.Held())

	require.Len(t, res.PerJob, 5)
	for i, jr := range res.PerJob {
		assert.Equal(t, jobs[i].SubjectID, jr.Job.SubjectID, "per-job results must preserve input order")
		assert.Equal(t, domain.StatusSucceeded, jr.Status)
		assert.Len(t, jr.Attempts, 1, "a first-try success makes exactly one attempt")
	}
}

func TestDispatch_RetryableTwiceThenSucceeds(t *testing.T) {
	client := newStubClient(func(_ domain.JobDescriptor, call int) domain.Outcome {
		if call <= 2 {
			return domain.RetryableOutcome(503, errors.New("service unavailable"))
		}
		return domain.SuccessOutcome(200)
	})

	d, _ := newTestDispatcher(t, client, 1, fastPolicy(3), 0, nil)
	jobs := makeJobs(t, 1)

	res, err := d.Dispatch(context.Background(), jobs)
	require.NoError(t, err)

	jr := res.PerJob[0]
	assert.Equal(t, domain.StatusSucceeded, jr.Status)
	assert.Len(t, jr.Attempts, 3)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
}

func TestDispatch_AlwaysRetryableExhaustsBudget(t *testing.T) {
	client := newStubClient(func(domain.JobDescriptor, int) domain.Outcome {
		return domain.RetryableOutcome(502, errors.New("bad gateway"))
	})

	d, _ := newTestDispatcher(t, client, 1, fastPolicy(3), 0, nil)
	jobs := makeJobs(t, 1)

	res, err := d.Dispatch(context.Background(), jobs)
	require.NoError(t, err)

	jr := res.PerJob[0]
	assert.Equal(t, domain.StatusExhausted, jr.Status)
	assert.Len(t, jr.Attempts, 3, "exactly max_attempts records")
	assert.Equal(t, 3, client.callCount(jobs[0].IdempotencyKey))
	require.Error(t, jr.Err)
	assert.Contains(t, jr.Err.Error(), "exhausted")
	assert.Equal(t, 1, res.Failed)
}

func TestDispatch_FatalFailureAbortsWithoutDelay(t *testing.T) {
	client := newStubClient(func(domain.JobDescriptor, int) domain.Outcome {
		return domain.FatalOutcome(400, errors.New("malformed payload"))
	})

	// A long base delay would make any accidental retry obvious in elapsed time.
	slowPolicy := retry.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 30 * time.Second}
	d, _ := newTestDispatcher(t, client, 1, slowPolicy, 0, nil)
	jobs := makeJobs(t, 1)

	start := time.Now()
	res, err := d.Dispatch(context.Background(), jobs)
	require.NoError(t, err)

	jr := res.PerJob[0]
	assert.Equal(t, domain.StatusAborted, jr.Status)
	assert.Len(t, jr.Attempts, 1, "fatal failures are never retried")
	assert.Less(t, time.Since(start), 2*time.Second, "no retry delay may be observed")
	assert.Equal(t, 1, res.Failed)
}

func TestDispatch_MixedOutcomesAreIsolatedPerJob(t *testing.T) {
	client := newStubClient(func(job domain.JobDescriptor, _ int) domain.Outcome {
		switch job.SubjectID {
		case 1:
			return domain.SuccessOutcome(200)
		case 2:
			return domain.FatalOutcome(422, errors.New("rejected"))
		default:
			return domain.RetryableOutcome(500, errors.New("flaky"))
		}
	})

	d, _ := newTestDispatcher(t, client, 2, fastPolicy(2), 0, nil)
	jobs := makeJobs(t, 3)

	res, err := d.Dispatch(context.Background(), jobs)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSucceeded, res.PerJob[0].Status)
	assert.Equal(t, domain.StatusAborted, res.PerJob[1].Status)
	assert.Equal(t, domain.StatusExhausted, res.PerJob[2].Status)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, res.Total, res.Succeeded+res.Failed)
}

func TestDispatch_CancellationMarksPendingJobsAndLeaksNoSlots(t *testing.T) {
	// Every attempt blocks until the batch is cancelled, so all five jobs end
	// cancelled: some mid-flight, some still waiting for a limiter slot.
	client := newStubClient(func(domain.JobDescriptor, int) domain.Outcome {
		return domain.SuccessOutcome(200)
	})
	client.delay = time.Minute

	d, limiter := newTestDispatcher(t, client, 2, fastPolicy(3), 0, nil)
	jobs := makeJobs(t, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := d.Dispatch(ctx, jobs)
	require.NoError(t, err, "a cancelled batch still returns a complete result")

	assert.Equal(t, 5, res.Total)
	assert.Equal(t, res.Total, res.Succeeded+res.Failed)
	assert.Equal(t, int64(0), limiter.Held(), "no limiter slot may leak on cancellation")

	for i, jr := range res.PerJob {
		assert.Equal(t, domain.StatusCancelled, jr.Status, "job %d", i)
		var cancelled *domain.CancellationError
		require.ErrorAs(t, jr.Err, &cancelled, "job %d carries the cancellation cause", i)
	}
}

func TestDispatch_PartialCancellation(t *testing.T) {
	// Jobs 1 and 2 finish instantly; the rest block until cancellation.
	client := newStubClient(func(domain.JobDescriptor, int) domain.Outcome {
		return domain.SuccessOutcome(200)
	})
	blockerClient := &selectiveBlocker{inner: client}

	d, limiter := newTestDispatcher(t, blockerClient, 2, fastPolicy(3), 0, nil)
	jobs := makeJobs(t, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := d.Dispatch(ctx, jobs)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Total)
	assert.Equal(t, res.Total, res.Succeeded+res.Failed)
	assert.Equal(t, int64(0), limiter.Held())

	cancelledCount := 0
	for _, jr := range res.PerJob {
		switch jr.Status {
		case domain.StatusSucceeded, domain.StatusCancelled:
			if jr.Status == domain.StatusCancelled {
				cancelledCount++
			}
		default:
			t.Fatalf("unexpected status %s", jr.Status)
		}
	}
	assert.GreaterOrEqual(t, cancelledCount, 3, "blocked jobs must be reported cancelled")
}

// selectiveBlocker lets low-numbered subjects through and parks the rest
// until the context is cancelled.
type selectiveBlocker struct {
	inner *stubClient
}

func (b *selectiveBlocker) Send(ctx context.Context, job domain.JobDescriptor) domain.Outcome {
	if job.SubjectID > 2 {
		<-ctx.Done()
		return domain.RetryableOutcome(0, ctx.Err())
	}
	return b.inner.Send(ctx, job)
}

func TestDispatch_GracePeriodLetsInFlightAttemptFinish(t *testing.T) {
	// The batch is cancelled 20ms in, while the only attempt still has 80ms of
	// work left. A generous grace window must let it run to completion.
	client := newStubClient(func(domain.JobDescriptor, int) domain.Outcome {
		return domain.SuccessOutcome(200)
	})
	client.delay = 100 * time.Millisecond

	d, limiter := newTestDispatcher(t, client, 1, fastPolicy(3), time.Second, nil)
	jobs := makeJobs(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := d.Dispatch(ctx, jobs)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSucceeded, res.PerJob[0].Status,
		"an in-flight attempt inside the grace window must be allowed to finish")
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, int64(0), limiter.Held())
}

func TestDispatch_GracePeriodExpiryTearsDownAttempt(t *testing.T) {
	// The attempt would run for a minute; after cancellation it only gets the
	// 30ms grace window before its context is cut.
	client := newStubClient(func(domain.JobDescriptor, int) domain.Outcome {
		return domain.SuccessOutcome(200)
	})
	client.delay = time.Minute

	d, limiter := newTestDispatcher(t, client, 1, fastPolicy(3), 30*time.Millisecond, nil)
	jobs := makeJobs(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := d.Dispatch(ctx, jobs)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second, "the attempt must not outlive the grace window")
	jr := res.PerJob[0]
	assert.Equal(t, domain.StatusCancelled, jr.Status)
	var cancelled *domain.CancellationError
	require.ErrorAs(t, jr.Err, &cancelled)
	assert.Equal(t, int64(0), limiter.Held())
}

func TestDispatch_EmitsAttemptAndSummaryEvents(t *testing.T) {
	client := newStubClient(func(_ domain.JobDescriptor, call int) domain.Outcome {
		if call == 1 {
			return domain.RetryableOutcome(503, errors.New("warming up"))
		}
		return domain.SuccessOutcome(200)
	})

	sink := &captureSink{}
	d, _ := newTestDispatcher(t, client, 1, fastPolicy(3), 0, sink)
	jobs := makeJobs(t, 1)

	ctx := domain.WithTraceID(context.Background(), "trace-123")
	res, err := d.Dispatch(ctx, jobs)
	require.NoError(t, err)
	assert.Equal(t, "trace-123", res.TraceID, "caller-supplied trace id is propagated unchanged")

	events := sink.all()
	require.Len(t, events, 3, "one event per attempt plus one summary")

	assert.Equal(t, domain.EventAttempt, events[0].Type)
	assert.Equal(t, 1, events[0].Attempt)
	assert.Equal(t, "retryable_failure", events[0].Outcome)
	assert.Equal(t, jobs[0].SubjectID, events[0].JobID)
	assert.Equal(t, "trace-123", events[0].TraceID)

	assert.Equal(t, domain.EventAttempt, events[1].Type)
	assert.Equal(t, 2, events[1].Attempt)
	assert.Equal(t, "success", events[1].Outcome)

	summary := events[2]
	assert.Equal(t, domain.EventBatchSummary, summary.Type)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, res.BatchID, summary.BatchID)
}

func TestDispatch_GeneratesTraceIDWhenAbsent(t *testing.T) {
	client := newStubClient(func(domain.JobDescriptor, int) domain.Outcome {
		return domain.SuccessOutcome(200)
	})
	d, _ := newTestDispatcher(t, client, 1, fastPolicy(1), 0, nil)

	res, err := d.Dispatch(context.Background(), makeJobs(t, 1))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TraceID)
}

func TestDispatch_PanickingSinkDoesNotFailJobs(t *testing.T) {
	client := newStubClient(func(domain.JobDescriptor, int) domain.Outcome {
		return domain.SuccessOutcome(200)
	})
	d, _ := newTestDispatcher(t, client, 2, fastPolicy(3), 0, panicSink{})

	res, err := d.Dispatch(context.Background(), makeJobs(t, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded, "a misbehaving sink must never fail a job")
}

func TestDispatch_EmptyBatch(t *testing.T) {
	client := newStubClient(func(domain.JobDescriptor, int) domain.Outcome {
		return domain.SuccessOutcome(200)
	})
	d, _ := newTestDispatcher(t, client, 1, fastPolicy(3), 0, nil)

	res, err := d.Dispatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, 0, res.Succeeded+res.Failed)
	assert.Empty(t, res.PerJob)
}

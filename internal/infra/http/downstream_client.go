package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"refresh-dispatcher/internal/domain"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	headerTraceID        = "Trace-Id"
	headerIdempotencyKey = "Idempotency-Key"

	defaultRequestTimeout = 15 * time.Second
)

// Options configures the downstream HTTP client.
type Options struct {
	TargetURL      string
	RequestTimeout time.Duration
	RateLimit      float64 // requests per second, 0 = unlimited

	// Client lets the caller inject a shared *http.Client. When nil, one is
	// created with an OTel-instrumented transport and reused for the client's
	// whole lifetime.
	Client *http.Client
}

type downstreamClient struct {
	client    *http.Client
	targetURL string
	limiter   *rate.Limiter
}

// NewDownstreamClient creates the client that performs one refresh call per
// attempt and classifies the result.
func NewDownstreamClient(opts Options) domain.DownstreamClient {
	client := opts.Client
	if client == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return &downstreamClient{
		client:    client,
		targetURL: opts.TargetURL,
		limiter:   limiter,
	}
}

// refreshRequest is the wire payload for one refresh call. The idempotency
// key travels in a header, not the body, so the receiver can deduplicate
// before parsing.
type refreshRequest struct {
	SubjectID int64          `json:"subject_id"`
	Payload   map[string]int `json:"payload"`
}

// Send posts the job payload and classifies the outcome. Every call carries
// the batch trace id and the job's idempotency key.
func (c *downstreamClient) Send(ctx context.Context, job domain.JobDescriptor) domain.Outcome {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.RetryableOutcome(0, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	body, err := json.Marshal(refreshRequest{SubjectID: job.SubjectID, Payload: job.Payload})
	if err != nil {
		return domain.FatalOutcome(0, fmt.Errorf("failed to marshal refresh payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.targetURL, bytes.NewReader(body))
	if err != nil {
		return domain.FatalOutcome(0, fmt.Errorf("failed to create http request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerIdempotencyKey, job.IdempotencyKey)
	if traceID := domain.TraceIDFrom(ctx); traceID != "" {
		req.Header.Set(headerTraceID, traceID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts, resets, refused connections: all transient.
		return domain.RetryableOutcome(0, fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return classifyStatus(resp.StatusCode, resp.Status)
}

// classifyStatus maps an HTTP status to an outcome: 2xx success, 5xx and 429
// transient, remaining 4xx permanent rejections.
func classifyStatus(code int, status string) domain.Outcome {
	switch {
	case code >= 200 && code < 300:
		return domain.SuccessOutcome(code)
	case code >= 500 || code == http.StatusTooManyRequests:
		return domain.RetryableOutcome(code, fmt.Errorf("http request returned server error: %s", status))
	case code >= 400:
		return domain.FatalOutcome(code, fmt.Errorf("http request returned client error: %s", status))
	default:
		// 3xx from a refresh endpoint is a misconfiguration, not a transient fault.
		return domain.FatalOutcome(code, fmt.Errorf("unexpected http status: %s", status))
	}
}

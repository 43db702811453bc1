// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"refresh-dispatcher/internal/domain"
)

// Runner triggers one refresh batch per tick.
type Runner interface {
	RunBatch(ctx context.Context) (*domain.BatchResult, error)
}

// CronScheduler re-runs the refresh batch on a cron schedule until the
// context is cancelled. Each run is an independent batch with its own trace.
type CronScheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *slog.Logger
	tracer trace.Tracer
}

// NewCronScheduler creates a scheduler with seconds-granularity expressions.
func NewCronScheduler(runner Runner, logger *slog.Logger) *CronScheduler {
	return &CronScheduler{
		cron:   cron.New(cron.WithSeconds()),
		runner: runner,
		logger: logger.With("component", "cron-scheduler"),
		tracer: otel.Tracer("refresh-dispatcher-scheduler"),
	}
}

// Schedule registers the batch run under the given cron expression.
func (s *CronScheduler) Schedule(expr string) error {
	job := &batchJob{
		runner: s.runner,
		logger: s.logger,
		tracer: s.tracer,
	}
	if _, err := s.cron.AddJob(expr, job); err != nil {
		s.logger.Error("failed to register schedule", "schedule", expr, "error", err)
		return err
	}
	s.logger.Info("registered refresh schedule", "schedule", expr)
	return nil
}

// Start blocks until ctx is done, running scheduled batches in the background.
func (s *CronScheduler) Start(ctx context.Context) error {
	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// batchJob adapts the runner to the cron library's Job interface.
type batchJob struct {
	runner Runner
	logger *slog.Logger
	tracer trace.Tracer
}

// Run is called by the cron library once per tick.
func (j *batchJob) Run() {
	ctx, span := j.tracer.Start(context.Background(), "scheduler.RunBatch")
	defer span.End()

	j.logger.Info("running scheduled refresh batch")
	res, err := j.runner.RunBatch(ctx)
	if err != nil {
		j.logger.Error("scheduled batch failed", "error", err)
		span.RecordError(err)
		return
	}
	span.SetAttributes(
		attribute.String("batch.id", res.BatchID),
		attribute.Int("batch.failed", res.Failed),
	)
	if res.Failed > 0 {
		j.logger.Warn("scheduled batch finished with failures",
			"batch_id", res.BatchID, "failed", res.Failed, "total", res.Total)
	}
}

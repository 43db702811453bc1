package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"refresh-dispatcher/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const historySaveTimeout = 5 * time.Second

// ErrHistoryDisabled is returned by history queries when no repository is
// configured.
var ErrHistoryDisabled = errors.New("batch history is not configured")

// RefreshService runs the configured job set through the dispatcher and
// persists the batch summary when a history repository is configured.
type RefreshService struct {
	dispatcher domain.Dispatcher
	history    domain.HistoryRepository // optional, may be nil
	jobs       []domain.JobDescriptor
	timeout    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewRefreshService creates a RefreshService instance. history may be nil, in
// which case batch summaries are not persisted.
func NewRefreshService(dispatcher domain.Dispatcher, history domain.HistoryRepository, jobs []domain.JobDescriptor, timeout time.Duration, logger *slog.Logger) *RefreshService {
	return &RefreshService{
		dispatcher: dispatcher,
		history:    history,
		jobs:       jobs,
		timeout:    timeout,
		logger:     logger.With("component", "refresh-service"),
		tracer:     otel.Tracer("refresh-dispatcher-usecase"),
	}
}

// RunBatch dispatches the job set once and returns the aggregate result.
// The configured batch timeout bounds the whole call.
func (s *RefreshService) RunBatch(ctx context.Context) (*domain.BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.RunBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(s.jobs)))

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.dispatcher.Dispatch(ctx, s.jobs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("batch.id", res.BatchID),
		attribute.Int("batch.succeeded", res.Succeeded),
		attribute.Int("batch.failed", res.Failed),
	)

	if s.history != nil {
		// The batch context may already be done; history persistence gets its
		// own short deadline.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historySaveTimeout)
		defer cancel()
		if err := s.history.Save(saveCtx, batchRecordFrom(res)); err != nil {
			s.logger.Warn("failed to persist batch history", "batch_id", res.BatchID, "error", err)
			span.RecordError(err)
		}
	}
	return res, nil
}

// ListHistory returns persisted batch summaries, newest first.
func (s *RefreshService) ListHistory(ctx context.Context, page, pageSize int) ([]*domain.BatchRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	ctx, span := s.tracer.Start(ctx, "service.ListHistory")
	defer span.End()

	records, err := s.history.List(ctx, page, pageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history list failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("records", len(records)))
	return records, nil
}

// GetBatch returns the persisted summary of one batch.
func (s *RefreshService) GetBatch(ctx context.Context, batchID string) (*domain.BatchRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	ctx, span := s.tracer.Start(ctx, "service.GetBatch", trace.WithAttributes(
		attribute.String("batch.id", batchID),
	))
	defer span.End()

	record, err := s.history.Get(ctx, batchID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history get failed")
		return nil, err
	}
	return record, nil
}

// batchRecordFrom flattens a batch result into its persisted summary form.
func batchRecordFrom(res *domain.BatchResult) *domain.BatchRecord {
	jobs := make(map[string]string, len(res.PerJob))
	for _, jr := range res.PerJob {
		jobs[jr.Job.IdempotencyKey] = string(jr.Status)
	}
	return &domain.BatchRecord{
		BatchID:    res.BatchID,
		TraceID:    res.TraceID,
		StartedAt:  res.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
		Total:      res.Total,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Jobs:       jobs,
	}
}

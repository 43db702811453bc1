// internal/infra/etcd/batch_history_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"refresh-dispatcher/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	BatchHistoryDir = "/refresh/history/"
)

type etcdBatchHistoryRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewBatchHistoryRepository creates a repository for batch summaries backed by etcd.
func NewBatchHistoryRepository(client *clientv3.Client, logger *slog.Logger) domain.HistoryRepository {
	return &etcdBatchHistoryRepository{
		client: client,
		logger: logger.With("component", "batch-history-repo"),
		tracer: otel.Tracer("refresh-dispatcher-etcd-history-repo"),
	}
}

// Save persists a single batch record to etcd.
// The key is structured as /refresh/history/{batchID}.
func (r *etcdBatchHistoryRepository) Save(ctx context.Context, record *domain.BatchRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveBatch")
	defer span.End()

	if err := record.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid batch record")
		return err
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal batch record")
		return fmt.Errorf("failed to marshal batch record %s to JSON: %w", record.BatchID, err)
	}

	key := path.Join(BatchHistoryDir, record.BatchID)
	span.SetAttributes(
		attribute.String("batch.id", record.BatchID),
		attribute.String("etcd.key", key),
	)

	_, err = r.client.Put(ctx, key, string(recordJSON))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put batch record to etcd")
		return fmt.Errorf("failed to save batch record %s to etcd: %w", record.BatchID, err)
	}
	return nil
}

// Get retrieves a single batch record by its ID.
func (r *etcdBatchHistoryRepository) Get(ctx context.Context, batchID string) (*domain.BatchRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	key := path.Join(BatchHistoryDir, batchID)
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get batch record from etcd")
		return nil, fmt.Errorf("failed to get batch record %s from etcd: %w", batchID, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("batch record %s not found", batchID)
	}

	var record domain.BatchRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal batch record")
		return nil, fmt.Errorf("failed to unmarshal batch record %s from JSON: %w", batchID, err)
	}
	return &record, nil
}

// List retrieves historical batch records with pagination, newest first.
func (r *etcdBatchHistoryRepository) List(ctx context.Context, page, pageSize int) ([]*domain.BatchRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListBatches")
	defer span.End()
	span.SetAttributes(
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	resp, err := r.client.Get(ctx, BatchHistoryDir,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend), // Newest first
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list batch records from etcd")
		return nil, fmt.Errorf("failed to list batch records from etcd: %w", err)
	}

	records := make([]*domain.BatchRecord, 0, len(resp.Kvs))
	// Manual pagination. Etcd Get with Limit is key-count based, not index-based.
	startIdx := (page - 1) * pageSize
	endIdx := startIdx + pageSize

	for i, kv := range resp.Kvs {
		if i < startIdx {
			continue
		}
		if i >= endIdx {
			break
		}

		var record domain.BatchRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal batch record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		records = append(records, &record)
	}
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}

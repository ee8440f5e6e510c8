package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"ai-control-plane/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ArchiveDir = "/controlplane/archive/"
)

type etcdArchiveRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewArchiveRepository creates the etcd-backed archive for terminal
// operation records.
func NewArchiveRepository(client *clientv3.Client, logger *slog.Logger) domain.ArchiveRepository {
	return &etcdArchiveRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("control-plane-etcd-archive"),
	}
}

// Save persists a single archived record.
// The key is structured as /controlplane/archive/{tenantID}/{operationID}.
func (r *etcdArchiveRepository) Save(ctx context.Context, record *domain.OperationRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveRecord")
	defer span.End()

	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid operation record: %w", err)
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal operation record")
		return fmt.Errorf("failed to marshal operation record %s to JSON: %w", record.ID, err)
	}

	key := path.Join(ArchiveDir, record.TenantID, record.OperationID)
	span.SetAttributes(
		attribute.String("operation.id", record.OperationID),
		attribute.String("tenant.id", record.TenantID),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(recordJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put operation record to etcd")
		return fmt.Errorf("failed to save operation record %s to etcd: %w", record.ID, err)
	}
	return nil
}

// Get retrieves a single archived record by tenant and operation id.
func (r *etcdArchiveRepository) Get(ctx context.Context, tenantID, operationID string) (*domain.OperationRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetRecord")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("operation.id", operationID),
	)

	key := path.Join(ArchiveDir, tenantID, operationID)
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get operation record from etcd")
		return nil, fmt.Errorf("failed to get operation record %s/%s from etcd: %w", tenantID, operationID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrOperationNotFound
	}

	var record domain.OperationRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal operation record")
		return nil, fmt.Errorf("failed to unmarshal operation record %s/%s from JSON: %w", tenantID, operationID, err)
	}
	return &record, nil
}

// ListByTenant retrieves archived records for a tenant with pagination,
// newest first.
func (r *etcdArchiveRepository) ListByTenant(ctx context.Context, tenantID string, page, pageSize int) ([]*domain.OperationRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListRecords")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	prefix := path.Join(ArchiveDir, tenantID) + "/"
	resp, err := r.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list operation records from etcd")
		return nil, fmt.Errorf("failed to list operation records for tenant %s from etcd: %w", tenantID, err)
	}

	// Index-based pagination over the sorted result set. Etcd's own
	// Limit/Offset operate on key counts, not pages.
	startIdx := (page - 1) * pageSize
	endIdx := startIdx + pageSize

	records := make([]*domain.OperationRecord, 0, pageSize)
	for i, kv := range resp.Kvs {
		if i < startIdx {
			continue
		}
		if i >= endIdx {
			break
		}
		var record domain.OperationRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal operation record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		records = append(records, &record)
	}
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}

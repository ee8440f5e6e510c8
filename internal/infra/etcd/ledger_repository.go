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
	LedgerDir  = "/controlplane/ledger/"
	InvoiceDir = "/controlplane/invoices/"
)

type etcdLedgerRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewLedgerRepository creates the etcd-backed billing ledger. Cost records
// accumulate under the tenant's ledger prefix and are never deleted; invoices
// live under their own prefix.
func NewLedgerRepository(client *clientv3.Client, logger *slog.Logger) domain.LedgerRepository {
	return &etcdLedgerRepository{
		client: client,
		logger: logger,
		tracer: otel.Tracer("control-plane-etcd-ledger"),
	}
}

// AppendCost persists one cost record under
// /controlplane/ledger/{tenantID}/{recordID}.
func (r *etcdLedgerRepository) AppendCost(ctx context.Context, record *domain.CostRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.AppendCost")
	defer span.End()

	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal cost record")
		return fmt.Errorf("failed to marshal cost record %s to JSON: %w", record.ID, err)
	}

	key := path.Join(LedgerDir, record.TenantID, record.ID)
	span.SetAttributes(
		attribute.String("tenant.id", record.TenantID),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(recordJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put cost record to etcd")
		return fmt.Errorf("failed to append cost record %s to etcd: %w", record.ID, err)
	}
	return nil
}

// ListCosts retrieves every cost record in the tenant's ledger.
func (r *etcdLedgerRepository) ListCosts(ctx context.Context, tenantID string) ([]*domain.CostRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListCosts")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	prefix := path.Join(LedgerDir, tenantID) + "/"
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list cost records from etcd")
		return nil, fmt.Errorf("failed to list cost records for tenant %s from etcd: %w", tenantID, err)
	}

	records := make([]*domain.CostRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record domain.CostRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal cost record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		records = append(records, &record)
	}
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}

// SaveInvoice persists an invoice under
// /controlplane/invoices/{tenantID}/{invoiceID}.
func (r *etcdLedgerRepository) SaveInvoice(ctx context.Context, invoice *domain.Invoice) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveInvoice")
	defer span.End()

	invoiceJSON, err := json.Marshal(invoice)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal invoice")
		return fmt.Errorf("failed to marshal invoice %s to JSON: %w", invoice.ID, err)
	}

	key := path.Join(InvoiceDir, invoice.TenantID, invoice.ID)
	span.SetAttributes(
		attribute.String("tenant.id", invoice.TenantID),
		attribute.String("invoice.id", invoice.ID),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(invoiceJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put invoice to etcd")
		return fmt.Errorf("failed to save invoice %s to etcd: %w", invoice.ID, err)
	}
	return nil
}

// GetInvoice retrieves a single invoice by tenant and invoice id.
func (r *etcdLedgerRepository) GetInvoice(ctx context.Context, tenantID, invoiceID string) (*domain.Invoice, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetInvoice")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("invoice.id", invoiceID),
	)

	key := path.Join(InvoiceDir, tenantID, invoiceID)
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get invoice from etcd")
		return nil, fmt.Errorf("failed to get invoice %s/%s from etcd: %w", tenantID, invoiceID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrInvoiceNotFound
	}

	var invoice domain.Invoice
	if err := json.Unmarshal(resp.Kvs[0].Value, &invoice); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice %s/%s from JSON: %w", tenantID, invoiceID, err)
	}
	return &invoice, nil
}

// ListInvoices retrieves every invoice generated for a tenant, newest first.
func (r *etcdLedgerRepository) ListInvoices(ctx context.Context, tenantID string) ([]*domain.Invoice, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListInvoices")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	prefix := path.Join(InvoiceDir, tenantID) + "/"
	resp, err := r.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list invoices from etcd")
		return nil, fmt.Errorf("failed to list invoices for tenant %s from etcd: %w", tenantID, err)
	}

	invoices := make([]*domain.Invoice, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var invoice domain.Invoice
		if err := json.Unmarshal(kv.Value, &invoice); err != nil {
			r.logger.Warn("failed to unmarshal invoice from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		invoices = append(invoices, &invoice)
	}
	return invoices, nil
}

package billing

import (
	"context"
	"fmt"
	"log/slog"

	"ai-control-plane/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// taxRate is applied to every invoice subtotal.
const taxRate = 0.10

// Engine aggregates recorded costs into invoices. Cost records accumulate in
// the ledger across invoice generations; callers own period boundaries.
type Engine struct {
	ledger domain.LedgerRepository
	locker domain.Locker
	clock  domain.Clock
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEngine creates a billing engine over the given ledger. The locker guards
// invoice generation per tenant across control-plane nodes; pass nil for a
// single-node deployment.
func NewEngine(ledger domain.LedgerRepository, locker domain.Locker, clock domain.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		ledger: ledger,
		locker: locker,
		clock:  clock,
		logger: logger.With("component", "billing-engine"),
		tracer: otel.Tracer("control-plane-billing"),
	}
}

// RecordOperation appends one billable cost entry to the tenant's ledger.
func (e *Engine) RecordOperation(ctx context.Context, tenantID, opType, provider string, costUSD float64) error {
	ctx, span := e.tracer.Start(ctx, "billing.RecordOperation")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Float64("cost.usd", costUSD),
	)

	record := &domain.CostRecord{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		OperationType: opType,
		Provider:      provider,
		CostUSD:       costUSD,
		RecordedAt:    e.clock.Now(),
	}
	if err := e.ledger.AppendCost(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to append cost record")
		return fmt.Errorf("failed to record cost for tenant %s: %w", tenantID, err)
	}
	return nil
}

// GenerateInvoice rolls the tenant's accumulated costs into a new unpaid
// invoice. Monetary fields are fixed at generation time; the ledger is not
// cleared. Generation for the same tenant is serialized across nodes.
func (e *Engine) GenerateInvoice(ctx context.Context, tenantID string) (*domain.Invoice, error) {
	ctx, span := e.tracer.Start(ctx, "billing.GenerateInvoice")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	if e.locker != nil {
		lock, err := e.locker.Lock(ctx, "invoice/"+tenantID)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to lock invoice generation for tenant %s: %w", tenantID, err)
		}
		defer func() {
			if err := lock.Unlock(ctx); err != nil {
				e.logger.Warn("failed to release invoice lock", "tenant_id", tenantID, "error", err)
			}
		}()
	}

	records, err := e.ledger.ListCosts(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list cost records")
		return nil, fmt.Errorf("failed to list costs for tenant %s: %w", tenantID, err)
	}

	var subtotal float64
	for _, r := range records {
		subtotal += r.CostUSD
	}
	tax := subtotal * taxRate

	invoice := &domain.Invoice{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Subtotal:    subtotal,
		Tax:         tax,
		Total:       subtotal + tax,
		Status:      domain.InvoiceStatusUnpaid,
		GeneratedAt: e.clock.Now(),
	}
	if err := e.ledger.SaveInvoice(ctx, invoice); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save invoice")
		return nil, fmt.Errorf("failed to save invoice for tenant %s: %w", tenantID, err)
	}

	e.logger.Info("invoice generated", "tenant_id", tenantID,
		"invoice_id", invoice.ID, "total", invoice.Total)
	return invoice, nil
}

// MarkPaid transitions an invoice to paid. Monetary fields stay untouched.
func (e *Engine) MarkPaid(ctx context.Context, tenantID, invoiceID string) error {
	return e.transition(ctx, tenantID, invoiceID, domain.InvoiceStatusPaid)
}

// MarkOverdue transitions an unpaid invoice to overdue.
func (e *Engine) MarkOverdue(ctx context.Context, tenantID, invoiceID string) error {
	return e.transition(ctx, tenantID, invoiceID, domain.InvoiceStatusOverdue)
}

func (e *Engine) transition(ctx context.Context, tenantID, invoiceID string, status domain.InvoiceStatus) error {
	invoice, err := e.ledger.GetInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		return err
	}
	invoice.Status = status
	if err := e.ledger.SaveInvoice(ctx, invoice); err != nil {
		return fmt.Errorf("failed to update invoice %s status: %w", invoiceID, err)
	}
	return nil
}

// ListInvoices returns every retained invoice for the tenant, each reflecting
// the ledger at its own generation time.
func (e *Engine) ListInvoices(ctx context.Context, tenantID string) ([]*domain.Invoice, error) {
	return e.ledger.ListInvoices(ctx, tenantID)
}

// TenantSpend returns the tenant's current accumulated ledger total.
func (e *Engine) TenantSpend(ctx context.Context, tenantID string) (float64, error) {
	records, err := e.ledger.ListCosts(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, r := range records {
		total += r.CostUSD
	}
	return total, nil
}

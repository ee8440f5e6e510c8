package domain

import (
	"context"
	"time"
)

// CostRecord is one billable cost entry appended to a tenant's ledger.
type CostRecord struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	OperationType string    `json:"operation_type"`
	Provider      string    `json:"provider,omitempty"`
	CostUSD       float64   `json:"cost_usd"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// InvoiceStatus defines the payment status of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusUnpaid  InvoiceStatus = "unpaid"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
)

// Invoice is a point-in-time rollup of a tenant's ledger. Monetary fields are
// immutable after generation; only the status transitions.
type Invoice struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Subtotal    float64       `json:"subtotal"`
	Tax         float64       `json:"tax"`
	Total       float64       `json:"total"`
	Status      InvoiceStatus `json:"status"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// LedgerRepository defines the interface for durable cost and invoice
// persistence. The billing engine's in-memory view is a cache over this store.
type LedgerRepository interface {
	AppendCost(ctx context.Context, record *CostRecord) error
	ListCosts(ctx context.Context, tenantID string) ([]*CostRecord, error)
	SaveInvoice(ctx context.Context, invoice *Invoice) error
	GetInvoice(ctx context.Context, tenantID, invoiceID string) (*Invoice, error)
	ListInvoices(ctx context.Context, tenantID string) ([]*Invoice, error)
}

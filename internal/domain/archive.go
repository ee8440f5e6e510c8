package domain

import (
	"context"
	"fmt"
	"time"
)

// OperationRecord is the archived form of an operation that reached a
// terminal status. The live descriptor is dropped once the record is saved.
type OperationRecord struct {
	ID          string          `json:"id"`
	OperationID string          `json:"operation_id"`
	TenantID    string          `json:"tenant_id"`
	Type        string          `json:"type"`
	Provider    string          `json:"provider,omitempty"` // provider that served the final attempt
	Status      OperationStatus `json:"status"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	CostUSD     float64         `json:"cost_usd,omitempty"`
}

// Validate checks if the archive record is valid.
func (r *OperationRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("operation record ID cannot be empty")
	}
	if r.OperationID == "" {
		return fmt.Errorf("operation record operation id cannot be empty")
	}
	if r.TenantID == "" {
		return fmt.Errorf("operation record tenant id cannot be empty")
	}
	if r.Status != OperationStatusCompleted && r.Status != OperationStatusFailed {
		return fmt.Errorf("operation record status must be terminal, got %s", r.Status)
	}
	return nil
}

// ArchiveRepository defines the interface for persisting and retrieving
// archived operation records.
type ArchiveRepository interface {
	// Save persists a single archived record.
	Save(ctx context.Context, record *OperationRecord) error
	// ListByTenant retrieves archived records for a tenant with pagination,
	// newest first.
	ListByTenant(ctx context.Context, tenantID string, page, pageSize int) ([]*OperationRecord, error)
	// Get retrieves a single archived record by tenant and operation id.
	Get(ctx context.Context, tenantID, operationID string) (*OperationRecord, error)
}

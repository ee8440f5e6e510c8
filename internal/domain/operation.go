package domain

import (
	"fmt"
	"time"
)

// Tier is the SLA tier a tenant is subscribed to.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
)

// Criticality is the caller-supplied urgency of an operation.
type Criticality string

const (
	CriticalityLow    Criticality = "low"
	CriticalityMedium Criticality = "medium"
	CriticalityHigh   Criticality = "high"
)

// OperationStatus defines the lifecycle status of an operation.
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusExecuting OperationStatus = "executing"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
)

// Operation represents one unit of billable work routed to a provider.
type Operation struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	TenantID      string          `json:"tenant_id"`
	Tier          Tier            `json:"tier"`
	Criticality   Criticality     `json:"criticality"`
	EstimatedSize int             `json:"estimated_size,omitempty"` // input size estimate, provider units
	Payload       string          `json:"payload,omitempty"`
	Status        OperationStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at,omitempty"` // zero means no expiry
}

// Validate checks if the operation is well formed and fills in defaults.
func (o *Operation) Validate() error {
	if o.Type == "" {
		return fmt.Errorf("operation type cannot be empty")
	}
	if o.TenantID == "" {
		return fmt.Errorf("operation tenant id cannot be empty")
	}
	switch o.Tier {
	case TierPremium, TierStandard:
	case "":
		o.Tier = TierStandard
	default:
		return fmt.Errorf("invalid tier: %s", o.Tier)
	}
	switch o.Criticality {
	case CriticalityLow, CriticalityMedium, CriticalityHigh:
	case "":
		o.Criticality = CriticalityMedium
	default:
		return fmt.Errorf("invalid criticality: %s", o.Criticality)
	}
	if o.Status == "" {
		o.Status = OperationStatusPending
	}
	return nil
}

// Expired reports whether the operation's expiry has passed at the given time.
func (o *Operation) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Terminal reports whether the operation reached a final status.
func (o *Operation) Terminal() bool {
	return o.Status == OperationStatusCompleted || o.Status == OperationStatusFailed
}

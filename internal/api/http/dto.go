package http

import (
	"time"

	"ai-control-plane/internal/domain"
)

// SubmitOperationRequest is the DTO for submitting an operation.
type SubmitOperationRequest struct {
	Type          string `json:"type" validate:"required,min=1,max=128"`
	TenantID      string `json:"tenant_id" validate:"required,min=1,max=128"`
	Tier          string `json:"tier" validate:"omitempty,oneof=premium standard"`
	Criticality   string `json:"criticality" validate:"omitempty,oneof=low medium high"`
	EstimatedSize int    `json:"estimated_size" validate:"gte=0"`
	Payload       string `json:"payload"`
	TTL           string `json:"ttl" validate:"omitempty,duration"`
}

// ToDomainOperation converts the request DTO to a domain.Operation. The
// expiry is derived from the TTL at the given time.
func (r *SubmitOperationRequest) ToDomainOperation(now time.Time) *domain.Operation {
	op := &domain.Operation{
		Type:          r.Type,
		TenantID:      r.TenantID,
		Tier:          domain.Tier(r.Tier),
		Criticality:   domain.Criticality(r.Criticality),
		EstimatedSize: r.EstimatedSize,
		Payload:       r.Payload,
	}
	if r.TTL != "" {
		if ttl, err := time.ParseDuration(r.TTL); err == nil {
			op.ExpiresAt = now.Add(ttl)
		}
	}
	return op
}

// SubmitOperationResponse carries the assigned operation id.
type SubmitOperationResponse struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

// RegisterWebhookRequest is the DTO for registering a webhook subscription.
type RegisterWebhookRequest struct {
	TenantID   string   `json:"tenant_id" validate:"required,min=1,max=128"`
	TargetURL  string   `json:"target_url" validate:"required,url"`
	EventTypes []string `json:"event_types" validate:"required,min=1,dive,oneof=operation.completed operation.failed batch.completed budget.alert"`
}

// ToEventTypes converts the request's event type strings.
func (r *RegisterWebhookRequest) ToEventTypes() []domain.EventType {
	types := make([]domain.EventType, 0, len(r.EventTypes))
	for _, t := range r.EventTypes {
		types = append(types, domain.EventType(t))
	}
	return types
}

// CreateBatchRequest is the DTO for opening a batch.
type CreateBatchRequest struct {
	Type     string `json:"type" validate:"required,min=1,max=128"`
	Capacity int    `json:"capacity" validate:"required,gte=1,lte=10000"`
}

// AddBatchItemRequest is the DTO for appending an item to an open batch.
type AddBatchItemRequest struct {
	Payload string `json:"payload" validate:"required"`
}

// ExecuteBatchRequest is the DTO for running a batch.
type ExecuteBatchRequest struct {
	MaxConcurrency int `json:"max_concurrency" validate:"omitempty,gte=1,lte=256"`
}

// SaveRouteRequest is the DTO for creating or updating a route.
type SaveRouteRequest struct {
	OperationType string   `json:"operation_type" validate:"required,min=1,max=128"`
	Primary       string   `json:"primary" validate:"required,min=1,max=128"`
	Fallbacks     []string `json:"fallbacks" validate:"omitempty,dive,min=1,max=128"`
	Criticality   string   `json:"criticality" validate:"omitempty,oneof=low medium high"`
	Enabled       *bool    `json:"enabled"`
	CostEstimate  float64  `json:"cost_estimate" validate:"gte=0"`
}

// ToDomainRoute converts the request DTO to a domain.Route. Enabled defaults
// to true when omitted.
func (r *SaveRouteRequest) ToDomainRoute() *domain.Route {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &domain.Route{
		OperationType: r.OperationType,
		Primary:       r.Primary,
		Fallbacks:     r.Fallbacks,
		Criticality:   domain.Criticality(r.Criticality),
		Enabled:       enabled,
		CostEstimate:  r.CostEstimate,
	}
}

package domain

import "time"

// EventType names a lifecycle event that webhook subscribers can receive.
type EventType string

const (
	EventOperationCompleted EventType = "operation.completed"
	EventOperationFailed    EventType = "operation.failed"
	EventBatchCompleted     EventType = "batch.completed"
	EventBudgetAlert        EventType = "budget.alert"
)

// Subscription registers a tenant's endpoint for a set of event types.
type Subscription struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	TargetURL  string      `json:"target_url"`
	EventTypes []EventType `json:"event_types"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Subscribed reports whether the subscription covers the given event type.
func (s *Subscription) Subscribed(t EventType) bool {
	for _, et := range s.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// DeliveryStatus defines the status of one webhook delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Delivery is one event fanned out to one subscription. Deliveries are
// retried while pending and below the retry ceiling; the HTTP call itself is
// performed by whatever drains pending deliveries, never by the manager.
type Delivery struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	EventType      EventType      `json:"event_type"`
	Payload        string         `json:"payload"`
	Status         DeliveryStatus `json:"status"`
	RetryCount     int            `json:"retry_count"`
	NextRetryAt    time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

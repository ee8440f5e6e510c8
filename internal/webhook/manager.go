package webhook

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ai-control-plane/internal/domain"

	"github.com/google/uuid"
)

const (
	// maxAttempts is the delivery retry ceiling.
	maxAttempts = 5

	backoffBase = time.Second
	backoffCap  = 32 * time.Second
)

// Manager owns webhook subscriptions and the delivery queue. It never
// performs the HTTP call itself; a drainer consumes pending deliveries and
// reports outcomes through RecordAttempt.
type Manager struct {
	clock  domain.Clock
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]*domain.Subscription
	deliveries    map[string]*domain.Delivery
}

// NewManager creates a webhook manager.
func NewManager(clock domain.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		clock:         clock,
		logger:        logger.With("component", "webhook-manager"),
		subscriptions: make(map[string]*domain.Subscription),
		deliveries:    make(map[string]*domain.Delivery),
	}
}

// Register subscribes a tenant endpoint to the given event types.
func (m *Manager) Register(tenantID, targetURL string, eventTypes []domain.EventType) (*domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("subscription tenant id cannot be empty")
	}
	if targetURL == "" {
		return nil, fmt.Errorf("subscription target url cannot be empty")
	}
	if len(eventTypes) == 0 {
		return nil, fmt.Errorf("subscription must declare at least one event type")
	}

	sub := &domain.Subscription{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		TargetURL:  targetURL,
		EventTypes: eventTypes,
		CreatedAt:  m.clock.Now(),
	}

	m.mu.Lock()
	m.subscriptions[sub.ID] = sub
	m.mu.Unlock()

	m.logger.Info("webhook registered", "subscription_id", sub.ID,
		"tenant_id", tenantID, "target_url", targetURL)
	return sub, nil
}

// Unregister removes a subscription. Existing deliveries are kept for query.
func (m *Manager) Unregister(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, subscriptionID)
}

// Subscriptions returns the tenant's subscriptions.
func (m *Manager) Subscriptions(tenantID string) []*domain.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Subscription
	for _, sub := range m.subscriptions {
		if sub.TenantID == tenantID {
			out = append(out, sub)
		}
	}
	return out
}

// QueueEvent fans the event out to every matching subscription, creating one
// pending delivery per match, and returns the created deliveries.
func (m *Manager) QueueEvent(eventType domain.EventType, payload string) []*domain.Delivery {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var created []*domain.Delivery
	for _, sub := range m.subscriptions {
		if !sub.Subscribed(eventType) {
			continue
		}
		delivery := &domain.Delivery{
			ID:             uuid.New().String(),
			SubscriptionID: sub.ID,
			EventType:      eventType,
			Payload:        payload,
			Status:         domain.DeliveryStatusPending,
			NextRetryAt:    now,
			CreatedAt:      now,
		}
		m.deliveries[delivery.ID] = delivery
		created = append(created, delivery)
	}
	return created
}

// Due returns pending deliveries whose retry time has arrived, paired with
// the target URL of their subscription.
func (m *Manager) Due() []Dispatch {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Dispatch
	for _, d := range m.deliveries {
		if d.Status != domain.DeliveryStatusPending || d.NextRetryAt.After(now) {
			continue
		}
		sub, ok := m.subscriptions[d.SubscriptionID]
		if !ok {
			// Subscriber is gone; nothing left to deliver to.
			d.Status = domain.DeliveryStatusFailed
			continue
		}
		due = append(due, Dispatch{Delivery: d, TargetURL: sub.TargetURL})
	}
	return due
}

// RecordAttempt applies one delivery attempt's outcome. Failures below the
// retry ceiling schedule the next attempt with exponential backoff; at the
// ceiling the delivery fails permanently.
func (m *Manager) RecordAttempt(deliveryID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[deliveryID]
	if !ok {
		return fmt.Errorf("delivery %s not found", deliveryID)
	}
	if d.Status != domain.DeliveryStatusPending {
		return fmt.Errorf("delivery %s is %s, not pending", deliveryID, d.Status)
	}

	if success {
		d.Status = domain.DeliveryStatusDelivered
		return nil
	}

	d.RetryCount++
	if d.RetryCount >= maxAttempts {
		d.Status = domain.DeliveryStatusFailed
		m.logger.Warn("webhook delivery failed permanently",
			"delivery_id", deliveryID, "attempts", d.RetryCount)
		return nil
	}
	d.NextRetryAt = m.clock.Now().Add(retryBackoff(d.RetryCount))
	return nil
}

// Delivery returns one delivery by id.
func (m *Manager) Delivery(deliveryID string) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[deliveryID]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("delivery %s not found", deliveryID)
}

// Deliveries returns every delivery created for a subscription.
func (m *Manager) Deliveries(subscriptionID string) []*domain.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Delivery
	for _, d := range m.deliveries {
		if d.SubscriptionID == subscriptionID {
			out = append(out, d)
		}
	}
	return out
}

// retryBackoff is 1s * 2^n capped at 32s for the n-th retry.
func retryBackoff(retryCount int) time.Duration {
	d := backoffBase << uint(retryCount)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return d
}

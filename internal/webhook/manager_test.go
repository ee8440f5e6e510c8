package webhook

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"ai-control-plane/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager() (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(clock, slog.Default()), clock
}

func TestRegisterValidation(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Register("", "https://example.com/hook", []domain.EventType{domain.EventOperationCompleted})
	assert.Error(t, err)
	_, err = m.Register("tenant-1", "", []domain.EventType{domain.EventOperationCompleted})
	assert.Error(t, err)
	_, err = m.Register("tenant-1", "https://example.com/hook", nil)
	assert.Error(t, err)

	sub, err := m.Register("tenant-1", "https://example.com/hook", []domain.EventType{domain.EventOperationCompleted})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
}

func TestQueueEventFanOut(t *testing.T) {
	m, _ := newTestManager()

	s1, _ := m.Register("tenant-1", "https://a.example/hook", []domain.EventType{domain.EventOperationCompleted})
	s2, _ := m.Register("tenant-2", "https://b.example/hook",
		[]domain.EventType{domain.EventOperationCompleted, domain.EventOperationFailed})
	m.Register("tenant-3", "https://c.example/hook", []domain.EventType{domain.EventBudgetAlert})

	created := m.QueueEvent(domain.EventOperationCompleted, `{"operation_id":"op-1"}`)
	assert.Len(t, created, 2, "only matching subscriptions receive a delivery")

	assert.Len(t, m.Deliveries(s1.ID), 1)
	assert.Len(t, m.Deliveries(s2.ID), 1)
	for _, d := range created {
		assert.Equal(t, domain.DeliveryStatusPending, d.Status)
	}
}

func TestRecordAttemptSuccess(t *testing.T) {
	m, _ := newTestManager()
	m.Register("tenant-1", "https://a.example/hook", []domain.EventType{domain.EventOperationFailed})

	created := m.QueueEvent(domain.EventOperationFailed, "{}")
	require.Len(t, created, 1)

	require.NoError(t, m.RecordAttempt(created[0].ID, true))
	d, err := m.Delivery(created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusDelivered, d.Status)

	assert.Error(t, m.RecordAttempt(created[0].ID, false), "terminal deliveries reject further attempts")
}

func TestRecordAttemptBackoffSchedule(t *testing.T) {
	m, clock := newTestManager()
	m.Register("tenant-1", "https://a.example/hook", []domain.EventType{domain.EventOperationFailed})
	created := m.QueueEvent(domain.EventOperationFailed, "{}")
	require.Len(t, created, 1)
	id := created[0].ID

	// Retry backoff doubles: 2s, 4s, 8s, 16s after each failed attempt.
	for i, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second} {
		require.NoError(t, m.RecordAttempt(id, false))
		d, err := m.Delivery(id)
		require.NoError(t, err)
		assert.Equal(t, domain.DeliveryStatusPending, d.Status, "attempt %d", i+1)
		assert.Equal(t, clock.Now().Add(want), d.NextRetryAt, "attempt %d", i+1)
	}

	// The fifth failure exhausts the ceiling.
	require.NoError(t, m.RecordAttempt(id, false))
	d, _ := m.Delivery(id)
	assert.Equal(t, domain.DeliveryStatusFailed, d.Status)
	assert.Equal(t, 5, d.RetryCount)
}

func TestDueRespectsNextRetryAt(t *testing.T) {
	m, clock := newTestManager()
	m.Register("tenant-1", "https://a.example/hook", []domain.EventType{domain.EventOperationFailed})
	created := m.QueueEvent(domain.EventOperationFailed, "{}")
	require.Len(t, created, 1)

	assert.Len(t, m.Due(), 1, "fresh deliveries are immediately due")

	require.NoError(t, m.RecordAttempt(created[0].ID, false))
	assert.Empty(t, m.Due(), "backoff holds the delivery")

	clock.Advance(2 * time.Second)
	assert.Len(t, m.Due(), 1)
}

func TestDueDropsOrphanedDeliveries(t *testing.T) {
	m, _ := newTestManager()
	sub, _ := m.Register("tenant-1", "https://a.example/hook", []domain.EventType{domain.EventOperationFailed})
	created := m.QueueEvent(domain.EventOperationFailed, "{}")
	require.Len(t, created, 1)

	m.Unregister(sub.ID)
	assert.Empty(t, m.Due())
	d, _ := m.Delivery(created[0].ID)
	assert.Equal(t, domain.DeliveryStatusFailed, d.Status)
}

type fakeTransport struct {
	status int
	err    error
	posts  []string
}

func (f *fakeTransport) Post(ctx context.Context, url, payload string) (int, error) {
	f.posts = append(f.posts, url)
	return f.status, f.err
}

func TestDrainerDeliverAndRetry(t *testing.T) {
	m, clock := newTestManager()
	m.Register("tenant-1", "https://a.example/hook", []domain.EventType{domain.EventOperationCompleted})
	created := m.QueueEvent(domain.EventOperationCompleted, "{}")
	require.Len(t, created, 1)

	transport := &fakeTransport{status: 500}
	drainer := NewDrainer(m, transport, slog.Default())

	assert.Equal(t, 1, drainer.DrainOnce(context.Background()))
	d, _ := m.Delivery(created[0].ID)
	assert.Equal(t, domain.DeliveryStatusPending, d.Status)
	assert.Equal(t, 1, d.RetryCount)

	// Next attempt succeeds after the backoff elapses.
	transport.status = 200
	assert.Equal(t, 0, drainer.DrainOnce(context.Background()), "not due during backoff")
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, drainer.DrainOnce(context.Background()))

	d, _ = m.Delivery(created[0].ID)
	assert.Equal(t, domain.DeliveryStatusDelivered, d.Status)
}

func TestDrainerTransportErrorCountsAsFailure(t *testing.T) {
	m, _ := newTestManager()
	m.Register("tenant-1", "https://a.example/hook", []domain.EventType{domain.EventOperationCompleted})
	created := m.QueueEvent(domain.EventOperationCompleted, "{}")

	transport := &fakeTransport{err: errors.New("connection refused")}
	drainer := NewDrainer(m, transport, slog.Default())
	drainer.DrainOnce(context.Background())

	d, _ := m.Delivery(created[0].ID)
	assert.Equal(t, 1, d.RetryCount)
}

package queue

import (
	"fmt"
	"testing"
	"time"

	"ai-control-plane/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testOp(id string, tier domain.Tier, crit domain.Criticality) *domain.Operation {
	return &domain.Operation{
		ID:          id,
		Type:        "chat",
		TenantID:    "tenant-1",
		Tier:        tier,
		Criticality: crit,
		Status:      domain.OperationStatusPending,
	}
}

func TestQueueDequeueEmpty(t *testing.T) {
	q := New(&fakeClock{now: time.Now()})

	_, ok := q.Dequeue()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Size())
}

func TestQueuePremiumBeforeStandard(t *testing.T) {
	q := New(&fakeClock{now: time.Now()})

	q.Enqueue(testOp("standard-low", domain.TierStandard, domain.CriticalityLow))
	q.Enqueue(testOp("premium-high", domain.TierPremium, domain.CriticalityHigh))

	entry, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "premium-high", entry.Op.ID)

	entry, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "standard-low", entry.Op.ID)
}

func TestQueueCriticalityOrdering(t *testing.T) {
	q := New(&fakeClock{now: time.Now()})

	q.Enqueue(testOp("low", domain.TierStandard, domain.CriticalityLow))
	q.Enqueue(testOp("high", domain.TierStandard, domain.CriticalityHigh))
	q.Enqueue(testOp("med", domain.TierStandard, domain.CriticalityMedium))

	var order []string
	for {
		entry, ok := q.Dequeue()
		if !ok {
			break
		}
		order = append(order, entry.Op.ID)
	}
	assert.Equal(t, []string{"high", "med", "low"}, order)
}

func TestQueueFIFOOnTies(t *testing.T) {
	q := New(&fakeClock{now: time.Now()})

	for i := 0; i < 5; i++ {
		q.Enqueue(testOp(fmt.Sprintf("op-%d", i), domain.TierStandard, domain.CriticalityMedium))
	}

	for i := 0; i < 5; i++ {
		entry, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("op-%d", i), entry.Op.ID)
	}
}

func TestQueueAgingOvertakesFreshPremium(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	q := New(clock)

	// standard/low scores 10; premium/low scores 110. After 101 minutes of
	// waiting the standard item reaches 111 and must win.
	q.Enqueue(testOp("aged-standard", domain.TierStandard, domain.CriticalityLow))
	clock.Advance(101 * time.Minute)
	q.Enqueue(testOp("fresh-premium", domain.TierPremium, domain.CriticalityLow))

	entry, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "aged-standard", entry.Op.ID)
}

func TestQueueAgingIsContinuous(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	q := New(clock)

	q.Enqueue(testOp("aged-standard", domain.TierStandard, domain.CriticalityLow))
	q.Enqueue(testOp("fresh-premium", domain.TierPremium, domain.CriticalityLow))

	// Before the aging threshold the premium item still wins the peek.
	entry, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "fresh-premium", entry.Op.ID)

	// The score is recomputed at dequeue time, so advancing the clock flips
	// the order without any re-enqueue.
	clock.Advance(150 * time.Minute)
	entry, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "aged-standard", entry.Op.ID)
}

func TestQueueRemove(t *testing.T) {
	q := New(&fakeClock{now: time.Now()})

	q.Enqueue(testOp("keep", domain.TierStandard, domain.CriticalityMedium))
	q.Enqueue(testOp("cancel", domain.TierStandard, domain.CriticalityMedium))

	op, ok := q.Remove("cancel")
	require.True(t, ok)
	assert.Equal(t, "cancel", op.ID)
	assert.Equal(t, 1, q.Size())

	_, ok = q.Remove("cancel")
	assert.False(t, ok)
}

func TestQueueScoreWeights(t *testing.T) {
	now := time.Now()
	entry := &Entry{Op: testOp("x", domain.TierPremium, domain.CriticalityHigh), EnqueuedAt: now}
	assert.Equal(t, 130, entry.Score(now))

	entry.Op.Tier = domain.TierStandard
	entry.Op.Criticality = domain.CriticalityLow
	assert.Equal(t, 10, entry.Score(now))
	assert.Equal(t, 13, entry.Score(now.Add(3*time.Minute)))
}

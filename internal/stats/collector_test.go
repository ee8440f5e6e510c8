package stats

import (
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

func newTestCollector() (*Collector, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewCollector(clock, slog.Default()), clock
}

func TestP95NearestRank(t *testing.T) {
	assert.Equal(t, int64(0), p95(nil))
	assert.Equal(t, int64(7), p95([]int64{7}))

	// 20 samples: ceil(0.95*20) = 19, so the 19th smallest value.
	samples := make([]int64, 0, 20)
	for i := int64(1); i <= 20; i++ {
		samples = append(samples, i*10)
	}
	assert.Equal(t, int64(190), p95(samples))

	// 10 samples: ceil(0.95*10) = 10, the maximum.
	assert.Equal(t, int64(100), p95(samples[:10]))
}

func TestRollupPerTypeAndProvider(t *testing.T) {
	c, _ := newTestCollector()

	c.Record("chat", "openai", true, 120)
	c.Record("chat", "openai", true, 80)
	c.Record("chat", "anthropic", false, 500)
	c.Record("transcription", "whisper-local", true, 2000)

	chat := c.TypeRollup("chat")
	assert.Equal(t, 2, chat.Successes)
	assert.Equal(t, 1, chat.Failures)
	assert.InDelta(t, 2.0/3.0, chat.SuccessRate, 1e-9)

	openai := c.ProviderRollup("openai")
	assert.Equal(t, 2, openai.Successes)
	assert.Equal(t, 0, openai.Failures)
	assert.Equal(t, int64(120), openai.P95LatencyMs)
}

func TestSLACompliance(t *testing.T) {
	c, _ := newTestCollector()
	assert.Equal(t, 1.0, c.SLACompliance(), "empty collector is compliant")

	for i := 0; i < 99; i++ {
		c.Record("chat", "openai", true, 100)
	}
	c.Record("chat", "openai", false, 100)

	assert.InDelta(t, 0.99, c.SLACompliance(), 1e-9)
	assert.True(t, c.MeetsSLA(domain.TierStandard))
	assert.False(t, c.MeetsSLA(domain.TierPremium))
}

func TestCreateSnapshotAppendsTimeSeries(t *testing.T) {
	c, clock := newTestCollector()

	c.Record("chat", "openai", true, 100)
	first := c.CreateSnapshot(4.0, 10.0)
	assert.InDelta(t, -6.0, first.BudgetVarianceUSD, 1e-9)
	assert.Equal(t, 1, first.Overall.Successes)

	clock.Advance(time.Hour)
	c.Record("chat", "openai", false, 900)
	second := c.CreateSnapshot(12.0, 10.0)
	assert.InDelta(t, 2.0, second.BudgetVarianceUSD, 1e-9)

	series := c.Snapshots()
	require.Len(t, series, 2)
	assert.True(t, series[0].TakenAt.Before(series[1].TakenAt))
	// The first snapshot is a frozen point in time.
	assert.Equal(t, 1, series[0].Overall.Successes)
	assert.Equal(t, 1, series[1].Overall.Failures)
}

func TestSnapshotContainsPerKeyRollups(t *testing.T) {
	c, _ := newTestCollector()

	c.Record("chat", "openai", true, 100)
	c.Record("synthesis", "anthropic", false, 300)

	snap := c.CreateSnapshot(0, 0)
	assert.Contains(t, snap.ByType, "chat")
	assert.Contains(t, snap.ByType, "synthesis")
	assert.Contains(t, snap.ByProvider, "openai")
	assert.Equal(t, 1, snap.ByProvider["anthropic"].Failures)
}

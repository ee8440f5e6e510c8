package orchestrator

import (
	"log/slog"
	"testing"
	"time"

	"ai-control-plane/internal/health"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestOrchestrator() (*Orchestrator, *health.Monitor, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	monitor := health.NewMonitor(clock, slog.Default())
	return New(monitor, clock, slog.Default()), monitor, clock
}

func trip(monitor *health.Monitor, provider string) {
	for i := 0; i < 3; i++ {
		monitor.RecordFailure(provider, "unavailable", 100)
	}
}

func TestSelectProviderPrefersChainOrder(t *testing.T) {
	o, _, _ := newTestOrchestrator()

	provider, err := o.SelectProvider("op-1", "openai", "anthropic", "mistral")
	require.NoError(t, err)
	assert.Equal(t, "openai", provider)
}

func TestSelectProviderSkipsOpenCircuits(t *testing.T) {
	o, monitor, _ := newTestOrchestrator()
	trip(monitor, "openai")

	provider, err := o.SelectProvider("op-1", "openai", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", provider)
}

func TestSelectProviderDegradesWhenAllUnhealthy(t *testing.T) {
	o, monitor, _ := newTestOrchestrator()

	// anthropic has the better track record before both circuits trip.
	monitor.RecordSuccess("anthropic", 100)
	monitor.RecordSuccess("anthropic", 100)
	trip(monitor, "openai")
	trip(monitor, "anthropic")

	provider, err := o.SelectProvider("op-1", "openai", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", provider, "degradation picks the highest success rate, never blocks")
}

func TestSelectProviderNoCandidates(t *testing.T) {
	o, _, _ := newTestOrchestrator()

	_, err := o.SelectProvider("op-1")
	assert.Error(t, err)
}

func TestSelectProviderByCost(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	o.RegisterPricing("openai", Pricing{InputPer1K: 0.03, OutputPer1K: 0.06})
	o.RegisterPricing("mistral", Pricing{InputPer1K: 0.002, OutputPer1K: 0.006})

	provider, err := o.SelectProviderByCost("op-1", []string{"openai", "mistral"}, 2000, 500)
	require.NoError(t, err)
	assert.Equal(t, "mistral", provider)
}

func TestSelectProviderByCostRestrictsToHealthy(t *testing.T) {
	o, monitor, _ := newTestOrchestrator()
	o.RegisterPricing("cheap-but-broken", Pricing{InputPer1K: 0.001, OutputPer1K: 0.001})
	o.RegisterPricing("openai", Pricing{InputPer1K: 0.03, OutputPer1K: 0.06})
	trip(monitor, "cheap-but-broken")

	provider, err := o.SelectProviderByCost("op-1", []string{"cheap-but-broken", "openai"}, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, "openai", provider)
}

func TestSelectProviderByCostFallsBackToAllWhenNoneHealthy(t *testing.T) {
	o, monitor, _ := newTestOrchestrator()
	o.RegisterPricing("a", Pricing{InputPer1K: 0.05, OutputPer1K: 0.05})
	o.RegisterPricing("b", Pricing{InputPer1K: 0.01, OutputPer1K: 0.01})
	trip(monitor, "a")
	trip(monitor, "b")

	provider, err := o.SelectProviderByCost("op-1", []string{"a", "b"}, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, "b", provider)
}

func TestEstimateCost(t *testing.T) {
	o, _, _ := newTestOrchestrator()
	o.RegisterPricing("openai", Pricing{InputPer1K: 0.03, OutputPer1K: 0.06})

	assert.InDelta(t, 0.03*2+0.06*1, o.EstimateCost("openai", 2000, 1000), 1e-9)
	// Unregistered providers use the default card.
	assert.InDelta(t, 0.01+0.03, o.EstimateCost("unknown", 1000, 1000), 1e-9)
}

func TestFailoverCeiling(t *testing.T) {
	o, _, _ := newTestOrchestrator()

	for i := 0; i < 3; i++ {
		assert.True(t, o.CanFailover("op-1"), "hop %d", i)
		o.RecordFailover("op-1", "openai")
	}
	assert.False(t, o.CanFailover("op-1"))
	assert.True(t, o.CanFailover("op-2"), "ceiling is per operation")
}

func TestFailoverWindowRolls(t *testing.T) {
	o, _, clock := newTestOrchestrator()

	for i := 0; i < 3; i++ {
		o.RecordFailover("op-1", "openai")
	}
	require.False(t, o.CanFailover("op-1"))

	clock.Advance(11 * time.Minute)
	assert.True(t, o.CanFailover("op-1"), "old failovers roll out of the window")
}

func TestForgetClearsFailoverState(t *testing.T) {
	o, _, _ := newTestOrchestrator()

	for i := 0; i < 3; i++ {
		o.RecordFailover("op-1", "openai")
	}
	o.Forget("op-1")
	assert.True(t, o.CanFailover("op-1"))
}

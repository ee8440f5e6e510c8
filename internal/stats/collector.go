package stats

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"ai-control-plane/internal/domain"
)

// SLA targets per tier, as success-rate fractions.
const (
	slaTargetPremium  = 0.9999
	slaTargetStandard = 0.99
)

// Rollup summarizes outcomes for one key (operation type or provider).
type Rollup struct {
	Successes    int     `json:"successes"`
	Failures     int     `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	P95LatencyMs int64   `json:"p95_latency_ms"`
}

type counters struct {
	mu        sync.Mutex
	successes int
	failures  int
	latencies []int64
}

func (c *counters) record(success bool, latencyMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.successes++
	} else {
		c.failures++
	}
	c.latencies = append(c.latencies, latencyMs)
}

func (c *counters) rollup() Rollup {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := Rollup{Successes: c.successes, Failures: c.failures}
	if total := c.successes + c.failures; total > 0 {
		r.SuccessRate = float64(c.successes) / float64(total)
	}
	r.P95LatencyMs = p95(c.latencies)
	return r
}

// p95 computes the 95th percentile by the nearest-rank method.
func p95(samples []int64) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := (95*len(sorted) + 99) / 100 // ceil(0.95 * n)
	return sorted[rank-1]
}

// Snapshot is a point-in-time rollup of everything the collector has seen.
type Snapshot struct {
	TakenAt           time.Time          `json:"taken_at"`
	Overall           Rollup             `json:"overall"`
	ByType            map[string]Rollup  `json:"by_type"`
	ByProvider        map[string]Rollup  `json:"by_provider"`
	SLACompliance     float64            `json:"sla_compliance"`
	MeetsSLA          map[string]bool    `json:"meets_sla"`
	DailySpendUSD     float64            `json:"daily_spend_usd"`
	DailyBudgetUSD    float64            `json:"daily_budget_usd"`
	BudgetVarianceUSD float64            `json:"budget_variance_usd"` // spend - budget, negative while under
}

// Collector aggregates success rate, p95 latency, SLA compliance and budget
// variance per operation type and per provider.
type Collector struct {
	clock  domain.Clock
	logger *slog.Logger

	mu         sync.RWMutex
	overall    *counters
	byType     map[string]*counters
	byProvider map[string]*counters

	snapMu    sync.Mutex
	snapshots []Snapshot
}

// NewCollector creates a metrics collector.
func NewCollector(clock domain.Clock, logger *slog.Logger) *Collector {
	return &Collector{
		clock:      clock,
		logger:     logger.With("component", "stats-collector"),
		overall:    &counters{},
		byType:     make(map[string]*counters),
		byProvider: make(map[string]*counters),
	}
}

func key(m map[string]*counters, mu *sync.RWMutex, name string) *counters {
	mu.RLock()
	c, ok := m[name]
	mu.RUnlock()
	if ok {
		return c
	}
	mu.Lock()
	defer mu.Unlock()
	if c, ok = m[name]; ok {
		return c
	}
	c = &counters{}
	m[name] = c
	return c
}

// Record adds one operation outcome to the per-type, per-provider and overall
// rollups.
func (c *Collector) Record(opType, provider string, success bool, latencyMs int64) {
	c.overall.record(success, latencyMs)
	key(c.byType, &c.mu, opType).record(success, latencyMs)
	key(c.byProvider, &c.mu, provider).record(success, latencyMs)
}

// TypeRollup returns the rollup for one operation type.
func (c *Collector) TypeRollup(opType string) Rollup {
	return key(c.byType, &c.mu, opType).rollup()
}

// ProviderRollup returns the rollup for one provider.
func (c *Collector) ProviderRollup(provider string) Rollup {
	return key(c.byProvider, &c.mu, provider).rollup()
}

// SLACompliance is the overall success fraction across all recorded
// operations. With nothing recorded it reports full compliance.
func (c *Collector) SLACompliance() float64 {
	r := c.overall.rollup()
	if r.Successes+r.Failures == 0 {
		return 1.0
	}
	return r.SuccessRate
}

// MeetsSLA compares the overall compliance against the tier's fixed target.
func (c *Collector) MeetsSLA(tier domain.Tier) bool {
	target := slaTargetStandard
	if tier == domain.TierPremium {
		target = slaTargetPremium
	}
	return c.SLACompliance() >= target
}

// CreateSnapshot captures a point-in-time rollup, appends it to the snapshot
// time series and returns it. Budget figures are supplied by the caller from
// the cost predictor.
func (c *Collector) CreateSnapshot(dailySpendUSD, dailyBudgetUSD float64) Snapshot {
	snap := Snapshot{
		TakenAt:        c.clock.Now(),
		Overall:        c.overall.rollup(),
		ByType:         make(map[string]Rollup),
		ByProvider:     make(map[string]Rollup),
		SLACompliance:  c.SLACompliance(),
		DailySpendUSD:  dailySpendUSD,
		DailyBudgetUSD: dailyBudgetUSD,
	}
	snap.BudgetVarianceUSD = dailySpendUSD - dailyBudgetUSD
	snap.MeetsSLA = map[string]bool{
		string(domain.TierPremium):  c.MeetsSLA(domain.TierPremium),
		string(domain.TierStandard): c.MeetsSLA(domain.TierStandard),
	}

	c.mu.RLock()
	for name, counter := range c.byType {
		snap.ByType[name] = counter.rollup()
	}
	for name, counter := range c.byProvider {
		snap.ByProvider[name] = counter.rollup()
	}
	c.mu.RUnlock()

	c.snapMu.Lock()
	c.snapshots = append(c.snapshots, snap)
	c.snapMu.Unlock()
	return snap
}

// Snapshots returns the snapshot time series, oldest first.
func (c *Collector) Snapshots() []Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return append([]Snapshot(nil), c.snapshots...)
}

package health

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"ai-control-plane/internal/domain"
	"ai-control-plane/internal/metrics"
)

// CircuitState defines the circuit breaker state for a provider.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

const (
	// failureThreshold failures inside failureWindow open the circuit.
	failureThreshold = 3
	failureWindow    = 5 * time.Minute
	// recoveryWindow is how long an open circuit waits before allowing a probe.
	recoveryWindow = 5 * time.Minute
	// recentFailureCapacity bounds the per-provider failure ring buffer.
	recentFailureCapacity = 50
)

// Metrics is a point-in-time view of a provider's health.
type Metrics struct {
	Provider     string       `json:"provider"`
	SuccessCount int          `json:"success_count"`
	FailureCount int          `json:"failure_count"`
	SuccessRate  float64      `json:"success_rate"`
	AvgLatencyMs float64      `json:"avg_latency_ms"`
	CircuitState CircuitState `json:"circuit_state"`
	Healthy      bool         `json:"healthy"`
}

type failureEvent struct {
	at   time.Time
	kind string
}

// providerRecord carries its own lock so that concurrent operations touching
// different providers never contend.
type providerRecord struct {
	mu             sync.Mutex
	provider       string
	successes      int
	failures       int
	recentFailures []failureEvent // bounded ring, oldest evicted
	totalLatencyMs int64
	latencySamples int
	state          CircuitState
	openedAt       time.Time
}

// Monitor tracks per-provider success/failure counts and latency and gates
// dispatch through a circuit breaker. Methods mutate state only; they never
// return errors and never block.
type Monitor struct {
	mu      sync.RWMutex
	records map[string]*providerRecord
	clock   domain.Clock
	logger  *slog.Logger
}

// NewMonitor creates a provider health monitor.
func NewMonitor(clock domain.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		records: make(map[string]*providerRecord),
		clock:   clock,
		logger:  logger.With("component", "health-monitor"),
	}
}

func (m *Monitor) record(provider string) *providerRecord {
	m.mu.RLock()
	rec, ok := m.records[provider]
	m.mu.RUnlock()
	if ok {
		return rec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok = m.records[provider]; ok {
		return rec
	}
	rec = &providerRecord{provider: provider, state: CircuitClosed}
	m.records[provider] = rec
	return rec
}

// RecordSuccess records one successful provider call. A success observed
// while the circuit is probeable closes it.
func (m *Monitor) RecordSuccess(provider string, latencyMs int64) {
	rec := m.record(provider)
	now := m.clock.Now()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.successes++
	rec.totalLatencyMs += latencyMs
	rec.latencySamples++

	rec.promote(now)
	if rec.state == CircuitHalfOpen {
		rec.state = CircuitClosed
		rec.recentFailures = rec.recentFailures[:0]
		m.logger.Info("circuit closed after successful probe", "provider", provider)
	}
	m.exportState(rec)
}

// RecordFailure records one failed provider call. Enough failures inside the
// trailing window open the circuit; a failure during the half-open probe
// re-opens it immediately.
func (m *Monitor) RecordFailure(provider, errorKind string, latencyMs int64) {
	rec := m.record(provider)
	now := m.clock.Now()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.failures++
	rec.totalLatencyMs += latencyMs
	rec.latencySamples++

	rec.recentFailures = append(rec.recentFailures, failureEvent{at: now, kind: errorKind})
	if len(rec.recentFailures) > recentFailureCapacity {
		rec.recentFailures = rec.recentFailures[len(rec.recentFailures)-recentFailureCapacity:]
	}

	rec.promote(now)
	switch rec.state {
	case CircuitHalfOpen:
		rec.state = CircuitOpen
		rec.openedAt = now
		m.logger.Warn("circuit re-opened, probe failed", "provider", provider, "error_kind", errorKind)
	case CircuitClosed:
		if rec.failuresWithin(now, failureWindow) >= failureThreshold {
			rec.state = CircuitOpen
			rec.openedAt = now
			m.logger.Warn("circuit opened", "provider", provider,
				"failures_in_window", rec.failuresWithin(now, failureWindow))
		}
	}
	m.exportState(rec)
}

// GetHealth returns a snapshot of the provider's health. Unknown providers
// report a closed circuit with no samples.
func (m *Monitor) GetHealth(provider string) Metrics {
	rec := m.record(provider)
	now := m.clock.Now()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.promote(now)
	return rec.snapshot()
}

// Healthy reports whether the provider's circuit is closed.
func (m *Monitor) Healthy(provider string) bool {
	return m.GetHealth(provider).Healthy
}

// GetRanked returns all tracked providers sorted healthy-first, then by
// descending success rate, then by name for determinism.
func (m *Monitor) GetRanked() []Metrics {
	m.mu.RLock()
	recs := make([]*providerRecord, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	now := m.clock.Now()
	out := make([]Metrics, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		rec.promote(now)
		out = append(out, rec.snapshot())
		rec.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Healthy != out[j].Healthy {
			return out[i].Healthy
		}
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// promote moves an open circuit to half-open once the recovery window has
// elapsed. Caller holds rec.mu.
func (r *providerRecord) promote(now time.Time) {
	if r.state == CircuitOpen && now.Sub(r.openedAt) >= recoveryWindow {
		r.state = CircuitHalfOpen
	}
}

func (r *providerRecord) failuresWithin(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, f := range r.recentFailures {
		if f.at.After(cutoff) {
			n++
		}
	}
	return n
}

func (r *providerRecord) snapshot() Metrics {
	total := r.successes + r.failures
	rate := 1.0
	if total > 0 {
		rate = float64(r.successes) / float64(total)
	}
	var avgLatency float64
	if r.latencySamples > 0 {
		avgLatency = float64(r.totalLatencyMs) / float64(r.latencySamples)
	}
	return Metrics{
		Provider:     r.provider,
		SuccessCount: r.successes,
		FailureCount: r.failures,
		SuccessRate:  rate,
		AvgLatencyMs: avgLatency,
		CircuitState: r.state,
		Healthy:      r.state == CircuitClosed,
	}
}

func (m *Monitor) exportState(r *providerRecord) {
	var v float64
	switch r.state {
	case CircuitHalfOpen:
		v = 1
	case CircuitOpen:
		v = 2
	}
	metrics.CircuitState.WithLabelValues(r.provider).Set(v)
}

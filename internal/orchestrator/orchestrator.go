package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ai-control-plane/internal/domain"
	"ai-control-plane/internal/health"
)

const (
	// failoverCeiling bounds failover hops per operation inside the rolling
	// window, so an operation cannot bounce forever between failing providers.
	failoverCeiling = 3
	failoverWindow  = 10 * time.Minute
)

// Pricing is a provider's cost per 1000 input/output units.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultPricing is assumed for providers with no registered price card.
var defaultPricing = Pricing{InputPer1K: 0.01, OutputPer1K: 0.03}

// Orchestrator picks the provider for each operation from the route's chain,
// consuming the health monitor's circuit states, and bounds failover hops.
type Orchestrator struct {
	monitor *health.Monitor
	clock   domain.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	pricing   map[string]Pricing
	failovers map[string][]time.Time // operation id -> failover timestamps
}

// New creates an orchestrator over the given health monitor.
func New(monitor *health.Monitor, clock domain.Clock, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		monitor:   monitor,
		clock:     clock,
		logger:    logger.With("component", "orchestrator"),
		pricing:   make(map[string]Pricing),
		failovers: make(map[string][]time.Time),
	}
}

// RegisterPricing installs the price card for a provider.
func (o *Orchestrator) RegisterPricing(provider string, p Pricing) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pricing[provider] = p
}

// SelectProvider returns the first candidate, in chain order, whose circuit
// is closed. When every candidate is unhealthy it degrades gracefully and
// returns the one with the highest success rate rather than blocking.
func (o *Orchestrator) SelectProvider(opID string, candidates ...string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate providers for operation %s", opID)
	}

	for _, candidate := range candidates {
		if o.monitor.Healthy(candidate) {
			return candidate, nil
		}
	}

	// Graceful degradation: all circuits are open or half-open, pick the
	// least broken candidate so half-open circuits get their probe.
	best := candidates[0]
	bestRate := o.monitor.GetHealth(best).SuccessRate
	for _, candidate := range candidates[1:] {
		if rate := o.monitor.GetHealth(candidate).SuccessRate; rate > bestRate {
			best, bestRate = candidate, rate
		}
	}
	o.logger.Warn("no healthy candidate, degrading to best success rate",
		"operation_id", opID, "provider", best, "success_rate", bestRate)
	return best, nil
}

// SelectProviderByCost restricts to healthy candidates (or all of them when
// none are healthy) and returns the cheapest for the given sizes.
func (o *Orchestrator) SelectProviderByCost(opID string, candidates []string, inputSize, outputSize int) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate providers for operation %s", opID)
	}

	pool := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if o.monitor.Healthy(candidate) {
			pool = append(pool, candidate)
		}
	}
	if len(pool) == 0 {
		pool = candidates
	}

	best := pool[0]
	bestCost := o.EstimateCost(best, inputSize, outputSize)
	for _, candidate := range pool[1:] {
		if cost := o.EstimateCost(candidate, inputSize, outputSize); cost < bestCost {
			best, bestCost = candidate, cost
		}
	}
	return best, nil
}

// EstimateCost returns the estimated USD cost of running the given sizes
// through a provider.
func (o *Orchestrator) EstimateCost(provider string, inputSize, outputSize int) float64 {
	o.mu.Lock()
	p, ok := o.pricing[provider]
	o.mu.Unlock()
	if !ok {
		p = defaultPricing
	}
	return p.InputPer1K*float64(inputSize)/1000 + p.OutputPer1K*float64(outputSize)/1000
}

// RecordFailover notes that the operation is moving off a failing provider.
func (o *Orchestrator) RecordFailover(opID, from string) {
	now := o.clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.failovers[opID] = append(o.pruneLocked(opID, now), now)
	o.logger.Info("recorded failover", "operation_id", opID, "from", from,
		"count_in_window", len(o.failovers[opID]))
}

// CanFailover reports whether the operation is still under the failover
// ceiling for the rolling window. Once this returns false the caller must
// terminate the operation instead of hopping providers again.
func (o *Orchestrator) CanFailover(opID string) bool {
	now := o.clock.Now()

	o.mu.Lock()
	defer o.mu.Unlock()
	pruned := o.pruneLocked(opID, now)
	o.failovers[opID] = pruned
	return len(pruned) < failoverCeiling
}

// Forget drops failover bookkeeping once an operation terminates.
func (o *Orchestrator) Forget(opID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.failovers, opID)
}

// pruneLocked drops failover timestamps older than the window. Caller holds o.mu.
func (o *Orchestrator) pruneLocked(opID string, now time.Time) []time.Time {
	cutoff := now.Add(-failoverWindow)
	kept := o.failovers[opID][:0]
	for _, ts := range o.failovers[opID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

package costs

import (
	"log/slog"
	"math"
	"sync"

	"ai-control-plane/internal/domain"
)

// budgetThresholds are the ascending daily-budget alert points, in percent.
var budgetThresholds = []int{50, 75, 90, 99}

// Stats summarizes the observed costs for one operation type.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// typeSamples keeps Welford running statistics per operation type, with its
// own lock so concurrent recorders for different types never contend.
type typeSamples struct {
	mu    sync.Mutex
	count int
	mean  float64
	m2    float64
	min   float64
	max   float64
}

func (s *typeSamples) record(usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	delta := usd - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (usd - s.mean)
	if s.count == 1 || usd < s.min {
		s.min = usd
	}
	if usd > s.max {
		s.max = usd
	}
}

func (s *typeSamples) stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Count: s.count, Mean: s.mean, Min: s.min, Max: s.max}
	if s.count > 1 {
		st.StdDev = math.Sqrt(s.m2 / float64(s.count))
	}
	return st
}

// Predictor maintains running cost statistics per operation type, flags
// anomalous samples and tracks daily budget usage.
type Predictor struct {
	clock  domain.Clock
	logger *slog.Logger

	mu    sync.RWMutex
	types map[string]*typeSamples

	dayMu    sync.Mutex
	day      string // UTC date of the running total
	daySpend float64
	alerted  map[int]bool // budget thresholds already fired today
}

// NewPredictor creates a cost predictor.
func NewPredictor(clock domain.Clock, logger *slog.Logger) *Predictor {
	return &Predictor{
		clock:   clock,
		logger:  logger.With("component", "cost-predictor"),
		types:   make(map[string]*typeSamples),
		alerted: make(map[int]bool),
	}
}

func (p *Predictor) samples(opType string) *typeSamples {
	p.mu.RLock()
	s, ok := p.types[opType]
	p.mu.RUnlock()
	if ok {
		return s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok = p.types[opType]; ok {
		return s
	}
	s = &typeSamples{}
	p.types[opType] = s
	return s
}

// RecordCost appends a cost sample for the operation type and adds it to the
// day's running total. The daily total and alert latches reset when the UTC
// day rolls over.
func (p *Predictor) RecordCost(opType string, usd float64) {
	p.samples(opType).record(usd)

	p.dayMu.Lock()
	defer p.dayMu.Unlock()
	p.rollDayLocked()
	p.daySpend += usd
}

// GetStats returns the running statistics for an operation type.
func (p *Predictor) GetStats(opType string) Stats {
	return p.samples(opType).stats()
}

// PredictCost estimates the next cost for the type as mean + one stddev.
func (p *Predictor) PredictCost(opType string) float64 {
	st := p.samples(opType).stats()
	return st.Mean + st.StdDev
}

// IsAnomaly reports whether the cost deviates from the type's mean by more
// than two standard deviations. The sample being tested is not part of the
// statistics, and a zero stddev gives no variance basis to flag against.
func (p *Predictor) IsAnomaly(opType string, usd float64) bool {
	st := p.samples(opType).stats()
	if st.StdDev == 0 {
		return false
	}
	return math.Abs(usd-st.Mean) > 2*st.StdDev
}

// DailySpend returns today's running total in USD.
func (p *Predictor) DailySpend() float64 {
	p.dayMu.Lock()
	defer p.dayMu.Unlock()
	p.rollDayLocked()
	return p.daySpend
}

// ShouldAlertBudget returns the budget thresholds newly crossed by today's
// spend against the daily limit. Each threshold fires once per day: an
// already-reported crossing stays latched until the day resets.
func (p *Predictor) ShouldAlertBudget(dailyLimit float64) []int {
	if dailyLimit <= 0 {
		return nil
	}

	p.dayMu.Lock()
	defer p.dayMu.Unlock()
	p.rollDayLocked()

	pct := p.daySpend / dailyLimit * 100
	var fired []int
	for _, threshold := range budgetThresholds {
		if pct >= float64(threshold) && !p.alerted[threshold] {
			p.alerted[threshold] = true
			fired = append(fired, threshold)
			p.logger.Warn("daily budget threshold crossed",
				"threshold_pct", threshold, "spend", p.daySpend, "limit", dailyLimit)
		}
	}
	return fired
}

// ResetBudgetAlerts clears the day's spend and alert latches. Exposed for
// explicit boundary control; RecordCost also rolls over automatically.
func (p *Predictor) ResetBudgetAlerts() {
	p.dayMu.Lock()
	defer p.dayMu.Unlock()
	p.daySpend = 0
	p.alerted = make(map[int]bool)
	p.day = p.clock.Now().UTC().Format("2006-01-02")
}

// rollDayLocked resets the daily counters when the UTC date changes.
// Caller holds p.dayMu.
func (p *Predictor) rollDayLocked() {
	today := p.clock.Now().UTC().Format("2006-01-02")
	if p.day != today {
		p.day = today
		p.daySpend = 0
		p.alerted = make(map[int]bool)
	}
}

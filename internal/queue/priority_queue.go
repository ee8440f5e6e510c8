package queue

import (
	"sync"
	"time"

	"ai-control-plane/internal/domain"
	"ai-control-plane/internal/metrics"
)

const (
	tierWeightPremium  = 100
	tierWeightStandard = 0

	criticalityWeightLow    = 10
	criticalityWeightMedium = 20
	criticalityWeightHigh   = 30

	// ageBonusPerMinute is the anti-starvation boost per waited minute.
	ageBonusPerMinute = 1
)

// Entry is one queued operation plus its enqueue bookkeeping.
type Entry struct {
	Op         *domain.Operation
	EnqueuedAt time.Time
	seq        uint64 // insertion order, breaks score ties FIFO
}

// Score returns the entry's priority at the given time. The age bonus is
// recomputed from the current wait so that long-waiting entries keep gaining
// on fresh high-tier ones.
func (e *Entry) Score(now time.Time) int {
	score := ageBonusPerMinute * int(now.Sub(e.EnqueuedAt).Minutes())
	switch e.Op.Tier {
	case domain.TierPremium:
		score += tierWeightPremium
	default:
		score += tierWeightStandard
	}
	switch e.Op.Criticality {
	case domain.CriticalityHigh:
		score += criticalityWeightHigh
	case domain.CriticalityMedium:
		score += criticalityWeightMedium
	default:
		score += criticalityWeightLow
	}
	return score
}

// PriorityQueue orders pending operations by tenant tier, criticality and
// wait-time aging. Dequeue scans for the current maximum score, so ordering
// reflects the clock at dequeue time, not at enqueue time.
type PriorityQueue struct {
	mu      sync.Mutex
	entries []*Entry
	nextSeq uint64
	clock   domain.Clock
}

// New creates an empty priority queue.
func New(clock domain.Clock) *PriorityQueue {
	return &PriorityQueue{clock: clock}
}

// Enqueue adds an operation to the queue.
func (q *PriorityQueue) Enqueue(op *domain.Operation) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := &Entry{
		Op:         op,
		EnqueuedAt: q.clock.Now(),
		seq:        q.nextSeq,
	}
	q.nextSeq++
	q.entries = append(q.entries, entry)
	metrics.QueueDepth.Set(float64(len(q.entries)))
	return entry
}

// Dequeue removes and returns the highest-scored entry, FIFO on ties.
// The second return is false when the queue is empty.
func (q *PriorityQueue) Dequeue() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.maxIndex()
	if idx < 0 {
		return nil, false
	}
	entry := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	metrics.QueueDepth.Set(float64(len(q.entries)))
	return entry, true
}

// Peek returns the entry Dequeue would return next without removing it.
func (q *PriorityQueue) Peek() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.maxIndex()
	if idx < 0 {
		return nil, false
	}
	return q.entries[idx], true
}

// Size returns the number of queued entries.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Remove drops the entry for the given operation id, if still queued.
// It returns the removed operation so callers can archive it.
func (q *PriorityQueue) Remove(operationID string) (*domain.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, entry := range q.entries {
		if entry.Op.ID == operationID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			metrics.QueueDepth.Set(float64(len(q.entries)))
			return entry.Op, true
		}
	}
	return nil, false
}

// maxIndex finds the highest-scored entry at the current time; earlier seq
// wins ties. Caller holds q.mu.
func (q *PriorityQueue) maxIndex() int {
	if len(q.entries) == 0 {
		return -1
	}
	now := q.clock.Now()
	best := 0
	bestScore := q.entries[0].Score(now)
	for i := 1; i < len(q.entries); i++ {
		score := q.entries[i].Score(now)
		if score > bestScore || (score == bestScore && q.entries[i].seq < q.entries[best].seq) {
			best = i
			bestScore = score
		}
	}
	return best
}

package retry

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// ErrorKind is the retry classification of a failed provider call.
type ErrorKind string

const (
	// KindTransient errors are retried with backoff up to MaxAttempts.
	KindTransient ErrorKind = "transient"
	// KindTerminal errors are never retried.
	KindTerminal ErrorKind = "terminal"
)

const (
	// MaxAttempts is the retry ceiling for transient errors.
	MaxAttempts = 5

	backoffBase    = time.Second
	backoffCap     = 30 * time.Second
	jitterFraction = 0.2
)

// transientMarkers are checked before terminalMarkers so that mixed messages
// fail open toward retrying.
var transientMarkers = []string{
	"timeout", "timed out", "deadline exceeded",
	"rate_limit", "rate limit", "too many requests", "429",
	"unavailable", "overloaded", "connection refused", "connection reset",
	"temporarily", "502", "503", "504",
}

var terminalMarkers = []string{
	"unauthorized", "forbidden", "401", "403",
	"not_found", "not found", "404",
	"invalid", "malformed", "bad request", "unsupported",
}

// State is the retry bookkeeping for one operation, kept for introspection.
type State struct {
	OperationID     string        `json:"operation_id"`
	Attempts        int           `json:"attempts"`
	LastKind        ErrorKind     `json:"last_kind,omitempty"`
	CumulativeDelay time.Duration `json:"cumulative_delay"`
}

// Manager classifies provider errors and computes backoff delays. It never
// sleeps; callers are responsible for honoring the returned delay.
type Manager struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewManager creates a retry manager.
func NewManager() *Manager {
	return &Manager{states: make(map[string]*State)}
}

// Classify maps an error to transient or terminal by keyword matching on the
// message. Unknown errors classify as transient so they get retried.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return KindTransient
		}
	}
	for _, marker := range terminalMarkers {
		if strings.Contains(msg, marker) {
			return KindTerminal
		}
	}
	return KindTransient
}

// CalculateBackoff returns the delay before the given attempt number
// (0-based): min(base * 2^attempt, cap) with +-20% jitter.
func CalculateBackoff(attempt int) time.Duration {
	delay := backoffBase << uint(attempt)
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	jitter := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// CanRetry reports whether another attempt is allowed. Terminal errors never
// retry; transient errors retry while the attempt count is below the ceiling.
func CanRetry(kind ErrorKind, attempt int) bool {
	if kind == KindTerminal {
		return false
	}
	return attempt < MaxAttempts
}

// Record tracks one failed attempt for the operation and returns its updated
// state.
func (m *Manager) Record(operationID string, kind ErrorKind, delay time.Duration) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[operationID]
	if !ok {
		st = &State{OperationID: operationID}
		m.states[operationID] = st
	}
	st.Attempts++
	st.LastKind = kind
	st.CumulativeDelay += delay
	return *st
}

// StateFor returns the retry state for an operation. The zero state is
// returned for unknown operations.
func (m *Manager) StateFor(operationID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[operationID]; ok {
		return *st
	}
	return State{OperationID: operationID}
}

// Forget drops the retry state once an operation terminates.
func (m *Manager) Forget(operationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, operationID)
}

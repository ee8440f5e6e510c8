package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTransient(t *testing.T) {
	for _, msg := range []string{
		"request timeout after 30s",
		"rate_limit exceeded for model gpt-4",
		"provider unavailable",
		"upstream returned 503",
		"connection reset by peer",
	} {
		t.Run(msg, func(t *testing.T) {
			assert.Equal(t, KindTransient, Classify(errors.New(msg)))
		})
	}
}

func TestClassifyTerminal(t *testing.T) {
	for _, msg := range []string{
		"unauthorized: bad api key",
		"model not_found",
		"resource not found",
		"invalid request payload",
		"malformed prompt",
	} {
		t.Run(msg, func(t *testing.T) {
			assert.Equal(t, KindTerminal, Classify(errors.New(msg)))
		})
	}
}

func TestClassifyUnknownFailsOpen(t *testing.T) {
	assert.Equal(t, KindTransient, Classify(errors.New("something odd happened")))
}

func TestClassifyMixedMessagePrefersTransient(t *testing.T) {
	// A rate-limited call that mentions the request is still retriable.
	err := errors.New("rate limit hit for invalid-looking burst")
	assert.Equal(t, KindTransient, Classify(err))
}

func TestCalculateBackoffGrowthAndJitter(t *testing.T) {
	for attempt, base := range []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	} {
		t.Run(fmt.Sprintf("attempt_%d", attempt), func(t *testing.T) {
			for i := 0; i < 50; i++ {
				d := CalculateBackoff(attempt)
				assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8))
				assert.LessOrEqual(t, d, time.Duration(float64(base)*1.2))
			}
		})
	}
}

func TestCalculateBackoffCapped(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := CalculateBackoff(10)
		assert.LessOrEqual(t, d, time.Duration(float64(30*time.Second)*1.2))
		assert.GreaterOrEqual(t, d, time.Duration(float64(30*time.Second)*0.8))
	}
}

func TestCanRetry(t *testing.T) {
	assert.False(t, CanRetry(KindTerminal, 0))
	assert.False(t, CanRetry(KindTerminal, 3))

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		assert.True(t, CanRetry(KindTransient, attempt), "attempt %d", attempt)
	}
	assert.False(t, CanRetry(KindTransient, MaxAttempts))
	assert.False(t, CanRetry(KindTransient, MaxAttempts+1))
}

func TestManagerTracksState(t *testing.T) {
	m := NewManager()

	st := m.Record("op-1", KindTransient, 2*time.Second)
	assert.Equal(t, 1, st.Attempts)

	st = m.Record("op-1", KindTransient, 4*time.Second)
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, 6*time.Second, st.CumulativeDelay)
	assert.Equal(t, KindTransient, st.LastKind)

	assert.Equal(t, 0, m.StateFor("op-2").Attempts)

	m.Forget("op-1")
	assert.Equal(t, 0, m.StateFor("op-1").Attempts)
}

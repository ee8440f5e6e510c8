package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBatchRejectsBadCapacity(t *testing.T) {
	e := NewEngine(slog.Default())

	_, err := e.CreateBatch("embedding", 0)
	assert.Error(t, err)
}

func TestAddItemUntilFull(t *testing.T) {
	e := NewEngine(slog.Default())
	b, err := e.CreateBatch("embedding", 2)
	require.NoError(t, err)

	id1, err := e.AddItem(b.ID, "doc-1")
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	_, err = e.AddItem(b.ID, "doc-2")
	require.NoError(t, err)

	_, err = e.AddItem(b.ID, "doc-3")
	assert.ErrorIs(t, err, ErrBatchFull)
}

func TestAddItemUnknownBatch(t *testing.T) {
	e := NewEngine(slog.Default())

	_, err := e.AddItem("nope", "doc")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestExecuteAllSucceed(t *testing.T) {
	e := NewEngine(slog.Default())
	b, _ := e.CreateBatch("embedding", 10)
	for i := 0; i < 5; i++ {
		_, err := e.AddItem(b.ID, fmt.Sprintf("doc-%d", i))
		require.NoError(t, err)
	}

	result, err := e.Execute(context.Background(), b.ID, func(ctx context.Context, batchType string, item *Item) (string, error) {
		return "vec:" + item.Payload, nil
	}, Options{MaxConcurrency: 2})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Successful)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, StatusCompleted, b.Status)
	for _, item := range result.Items {
		assert.Equal(t, ItemStatusCompleted, item.Status)
		assert.True(t, strings.HasPrefix(item.Result, "vec:"))
	}
}

func TestExecuteFailureIsolation(t *testing.T) {
	e := NewEngine(slog.Default())
	b, _ := e.CreateBatch("embedding", 10)
	for i := 0; i < 6; i++ {
		_, err := e.AddItem(b.ID, fmt.Sprintf("doc-%d", i))
		require.NoError(t, err)
	}

	result, err := e.Execute(context.Background(), b.ID, func(ctx context.Context, batchType string, item *Item) (string, error) {
		if item.Payload == "doc-3" {
			return "", errors.New("provider rejected doc-3")
		}
		return "ok", nil
	}, Options{MaxConcurrency: 3})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Successful)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, StatusFailed, b.Status, "batch status derives failed from any item failure")

	// Every item still reaches a terminal status of its own.
	for _, item := range result.Items {
		assert.NotEqual(t, ItemStatusPending, item.Status)
		if item.Payload == "doc-3" {
			assert.Equal(t, ItemStatusFailed, item.Status)
			assert.Contains(t, item.Error, "rejected")
		} else {
			assert.Equal(t, ItemStatusCompleted, item.Status)
		}
	}
}

func TestExecutePanicContained(t *testing.T) {
	e := NewEngine(slog.Default())
	b, _ := e.CreateBatch("embedding", 4)
	for i := 0; i < 4; i++ {
		_, err := e.AddItem(b.ID, fmt.Sprintf("doc-%d", i))
		require.NoError(t, err)
	}

	result, err := e.Execute(context.Background(), b.ID, func(ctx context.Context, batchType string, item *Item) (string, error) {
		if item.Payload == "doc-0" {
			panic("boom")
		}
		return "ok", nil
	}, Options{MaxConcurrency: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Successful)
	assert.Equal(t, 1, result.Failed)
}

func TestExecuteConcurrencyBound(t *testing.T) {
	e := NewEngine(slog.Default())
	b, _ := e.CreateBatch("embedding", 32)
	for i := 0; i < 32; i++ {
		_, err := e.AddItem(b.ID, fmt.Sprintf("doc-%d", i))
		require.NoError(t, err)
	}

	const bound = 4
	var active, maxActive int64
	var mu sync.Mutex

	_, err := e.Execute(context.Background(), b.ID, func(ctx context.Context, batchType string, item *Item) (string, error) {
		n := atomic.AddInt64(&active, 1)
		mu.Lock()
		if n > maxActive {
			maxActive = n
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return "ok", nil
	}, Options{MaxConcurrency: bound})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxActive, int64(bound),
		"active executions must never exceed the configured bound")
	assert.Greater(t, maxActive, int64(1), "execution should actually run concurrently")
}

func TestExecuteSequentialWhenUnbounded(t *testing.T) {
	e := NewEngine(slog.Default())
	b, _ := e.CreateBatch("embedding", 3)
	for i := 0; i < 3; i++ {
		_, err := e.AddItem(b.ID, fmt.Sprintf("doc-%d", i))
		require.NoError(t, err)
	}

	var active int64
	_, err := e.Execute(context.Background(), b.ID, func(ctx context.Context, batchType string, item *Item) (string, error) {
		if atomic.AddInt64(&active, 1) > 1 {
			t.Error("sequential execution observed overlap")
		}
		defer atomic.AddInt64(&active, -1)
		return "ok", nil
	}, Options{})
	require.NoError(t, err)
}

func TestGetSnapshotSafeDuringExecute(t *testing.T) {
	e := NewEngine(slog.Default())
	b, _ := e.CreateBatch("embedding", 16)
	for i := 0; i < 16; i++ {
		_, err := e.AddItem(b.ID, fmt.Sprintf("doc-%d", i))
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.Execute(context.Background(), b.ID, func(ctx context.Context, batchType string, item *Item) (string, error) {
			time.Sleep(time.Millisecond)
			return "vec:" + item.Payload, nil
		}, Options{MaxConcurrency: 4})
		assert.NoError(t, err)
	}()

	// Readers marshal snapshots while the workers settle items.
	for {
		snap, err := e.Get(b.ID)
		require.NoError(t, err)
		_, err = json.Marshal(snap)
		require.NoError(t, err)

		select {
		case <-done:
			snap, err := e.Get(b.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, snap.Status)
			return
		default:
		}
	}
}

func TestGetReturnsDetachedCopy(t *testing.T) {
	e := NewEngine(slog.Default())
	b, _ := e.CreateBatch("embedding", 2)
	_, err := e.AddItem(b.ID, "doc-0")
	require.NoError(t, err)

	snap, err := e.Get(b.ID)
	require.NoError(t, err)
	snap.Status = StatusFailed
	snap.Items[0].Result = "tampered"

	fresh, err := e.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, fresh.Status)
	assert.Empty(t, fresh.Items[0].Result)
}

func TestAddItemRejectedOnceExecuting(t *testing.T) {
	e := NewEngine(slog.Default())
	b, _ := e.CreateBatch("embedding", 4)
	_, err := e.AddItem(b.ID, "doc-0")
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), b.ID, func(ctx context.Context, batchType string, item *Item) (string, error) {
		return "ok", nil
	}, Options{MaxConcurrency: 1})
	require.NoError(t, err)

	_, err = e.AddItem(b.ID, "doc-late")
	assert.ErrorIs(t, err, ErrBatchNotOpen)
}

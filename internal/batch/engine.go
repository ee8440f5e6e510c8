package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ai-control-plane/internal/metrics"

	"github.com/google/uuid"
)

// ErrBatchFull is returned by AddItem when the batch reached its capacity;
// the caller must open a new batch.
var ErrBatchFull = errors.New("batch is full")

// ErrBatchNotFound is returned when a batch id is unknown.
var ErrBatchNotFound = errors.New("batch not found")

// ErrBatchNotOpen is returned by AddItem once execution has started.
var ErrBatchNotOpen = errors.New("batch is not open for items")

// ItemStatus defines the per-item lifecycle inside a batch.
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusCompleted ItemStatus = "completed"
	ItemStatusFailed    ItemStatus = "failed"
)

// Item is one operation inside a batch, with its own status and result.
type Item struct {
	ID      string     `json:"id"`
	Payload string     `json:"payload"`
	Status  ItemStatus `json:"status"`
	Result  string     `json:"result,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Status defines the derived batch-level status. Completed only when every
// item succeeded.
type Status string

const (
	StatusOpen      Status = "open"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Batch groups same-type operations for bounded-concurrency execution.
type Batch struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Capacity int     `json:"capacity"`
	Items    []*Item `json:"items"`
	Status   Status  `json:"status"`
}

// Result is the aggregate outcome of a batch execution. Per-item results stay
// individually inspectable regardless of the aggregate.
type Result struct {
	BatchID    string  `json:"batch_id"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	Items      []*Item `json:"items"`
}

// ItemExecutor runs one batch item and returns its output. Errors and panics
// are contained to the item.
type ItemExecutor func(ctx context.Context, batchType string, item *Item) (string, error)

// Options tunes a batch execution.
type Options struct {
	// MaxConcurrency bounds simultaneously running items. Values below 1
	// mean sequential execution.
	MaxConcurrency int
}

// Engine groups same-type operations into bounded batches and executes them
// with limited concurrency and absolute per-item failure isolation.
type Engine struct {
	mu      sync.Mutex
	batches map[string]*Batch
	logger  *slog.Logger
}

// NewEngine creates a batch engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		batches: make(map[string]*Batch),
		logger:  logger.With("component", "batch-engine"),
	}
}

// CreateBatch opens a new batch for the given operation type.
func (e *Engine) CreateBatch(opType string, capacity int) (*Batch, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("batch capacity must be positive, got %d", capacity)
	}

	b := &Batch{
		ID:       uuid.New().String(),
		Type:     opType,
		Capacity: capacity,
		Status:   StatusOpen,
	}

	e.mu.Lock()
	e.batches[b.ID] = b
	e.mu.Unlock()
	return b, nil
}

// AddItem appends a payload to an open batch and returns the new item id.
func (e *Engine) AddItem(batchID, payload string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.batches[batchID]
	if !ok {
		return "", ErrBatchNotFound
	}
	if b.Status != StatusOpen {
		return "", ErrBatchNotOpen
	}
	if len(b.Items) >= b.Capacity {
		return "", ErrBatchFull
	}

	item := &Item{
		ID:      uuid.New().String(),
		Payload: payload,
		Status:  ItemStatusPending,
	}
	b.Items = append(b.Items, item)
	return item.ID, nil
}

// Get returns a point-in-time copy of a batch. Items still being executed
// keep mutating the live batch; the copy is safe to read and marshal.
func (e *Engine) Get(batchID string) (*Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.batches[batchID]; ok {
		return b.snapshot(), nil
	}
	return nil, ErrBatchNotFound
}

// snapshot deep-copies the batch. Callers hold e.mu.
func (b *Batch) snapshot() *Batch {
	out := &Batch{ID: b.ID, Type: b.Type, Capacity: b.Capacity, Status: b.Status}
	out.Items = make([]*Item, len(b.Items))
	for i, item := range b.Items {
		copied := *item
		out.Items[i] = &copied
	}
	return out
}

// Execute runs the batch's items through the executor with at most
// opts.MaxConcurrency in flight at any instant. One item's failure never
// cancels or fails its siblings; the batch status is derived afterwards.
func (e *Engine) Execute(ctx context.Context, batchID string, executor ItemExecutor, opts Options) (*Result, error) {
	e.mu.Lock()
	b, ok := e.batches[batchID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrBatchNotFound
	}
	b.Status = StatusExecuting
	items := b.Items
	batchType := b.Type
	e.mu.Unlock()

	workers := opts.MaxConcurrency
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(item *Item) {
			defer wg.Done()
			defer func() { <-sem }()
			e.runItem(ctx, batchType, item, executor)
		}(item)
	}
	wg.Wait()

	e.mu.Lock()
	result := &Result{BatchID: batchID, Items: make([]*Item, 0, len(items))}
	for _, item := range items {
		if item.Status == ItemStatusCompleted {
			result.Successful++
		} else {
			result.Failed++
		}
		copied := *item
		result.Items = append(result.Items, &copied)
	}
	if result.Failed == 0 {
		b.Status = StatusCompleted
	} else {
		b.Status = StatusFailed
	}
	e.mu.Unlock()

	e.logger.Info("batch executed", "batch_id", batchID, "type", batchType,
		"successful", result.Successful, "failed", result.Failed)
	return result, nil
}

// runItem executes one item, containing errors and panics to that item.
func (e *Engine) runItem(ctx context.Context, batchType string, item *Item, executor ItemExecutor) {
	defer func() {
		if r := recover(); r != nil {
			e.settleItem(item, ItemStatusFailed, "", fmt.Sprintf("executor panic: %v", r))
			e.logger.Error("batch item executor panicked", "item_id", item.ID, "panic", r)
		}
	}()

	output, err := executor(ctx, batchType, item)
	if err != nil {
		e.settleItem(item, ItemStatusFailed, "", err.Error())
		return
	}
	e.settleItem(item, ItemStatusCompleted, output, "")
}

// settleItem writes the item outcome under the engine lock so concurrent
// Get snapshots never observe a half-written item.
func (e *Engine) settleItem(item *Item, status ItemStatus, result, errMsg string) {
	e.mu.Lock()
	item.Status = status
	item.Result = result
	item.Error = errMsg
	e.mu.Unlock()
	metrics.BatchItemsTotal.WithLabelValues(string(status)).Inc()
}

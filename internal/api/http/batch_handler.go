package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"ai-control-plane/internal/batch"
	"ai-control-plane/internal/domain"
	"ai-control-plane/internal/webhook"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BatchHandler serves the bulk-operation endpoints. Batch items run through
// the supplied executor, which routes them to providers the same way single
// operations are routed.
type BatchHandler struct {
	engine   *batch.Engine
	executor batch.ItemExecutor
	webhooks *webhook.Manager
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewBatchHandler creates the batch handler.
func NewBatchHandler(engine *batch.Engine, executor batch.ItemExecutor, webhooks *webhook.Manager, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{
		engine:   engine,
		executor: executor,
		webhooks: webhooks,
		logger:   logger.With("component", "batch-handler"),
		validate: newValidator(),
		tracer:   otel.Tracer("control-plane-api"),
	}
}

// RegisterRoutes registers the batch endpoints on the mux.
func (h *BatchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/batches/", instrument(h.tracer, "/batches/", h.handleBatches))
}

// handleBatches dispatches /batches/, /batches/{id}, /batches/{id}/items and
// /batches/{id}/execute.
func (h *BatchHandler) handleBatches(w http.ResponseWriter, r *http.Request) {
	pathParts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/batches/"), "/"), "/")
	var batchID, action string
	if pathParts[0] != "" {
		batchID = pathParts[0]
	}
	if len(pathParts) > 1 {
		action = pathParts[1]
	}

	switch {
	case r.Method == http.MethodPost && batchID == "":
		h.handleCreate(w, r)
	case r.Method == http.MethodGet && batchID != "" && action == "":
		h.handleGet(w, r, batchID)
	case r.Method == http.MethodPost && action == "items":
		h.handleAddItem(w, r, batchID)
	case r.Method == http.MethodPost && action == "execute":
		h.handleExecute(w, r, batchID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCreate handles POST /batches/.
func (h *BatchHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.CreateBatch")
	defer span.End()

	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		span.RecordError(err)
		writeValidationError(w, err)
		return
	}

	b, err := h.engine.CreateBatch(req.Type, req.Capacity)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("batch.id", b.ID))
	writeJSON(w, http.StatusCreated, b)
}

// handleGet handles GET /batches/{id}.
func (h *BatchHandler) handleGet(w http.ResponseWriter, r *http.Request, batchID string) {
	_, span := h.tracer.Start(r.Context(), "handler.GetBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	b, err := h.engine.Get(batchID)
	if err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			span.RecordError(err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleAddItem handles POST /batches/{id}/items.
func (h *BatchHandler) handleAddItem(w http.ResponseWriter, r *http.Request, batchID string) {
	_, span := h.tracer.Start(r.Context(), "handler.AddBatchItem")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	var req AddBatchItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		span.RecordError(err)
		writeValidationError(w, err)
		return
	}

	itemID, err := h.engine.AddItem(batchID, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, batch.ErrBatchNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, batch.ErrBatchFull), errors.Is(err, batch.ErrBatchNotOpen):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			span.RecordError(err)
			http.Error(w, err.Error(), http.StatusConflict)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"item_id": itemID})
}

// handleExecute handles POST /batches/{id}/execute. Execution is synchronous;
// the aggregate result comes back in the response and a batch.completed event
// is queued for subscribers.
func (h *BatchHandler) handleExecute(w http.ResponseWriter, r *http.Request, batchID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ExecuteBatch")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", batchID))

	var req ExecuteBatchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.validate.Struct(req); err != nil {
			span.RecordError(err)
			writeValidationError(w, err)
			return
		}
	}
	if req.MaxConcurrency < 1 {
		req.MaxConcurrency = 4
	}

	result, err := h.engine.Execute(ctx, batchID, h.executor, batch.Options{MaxConcurrency: req.MaxConcurrency})
	if err != nil {
		if errors.Is(err, batch.ErrBatchNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to execute batch")
		h.logger.Error("error executing batch", "batch_id", batchID, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	span.SetAttributes(
		attribute.Int("batch.successful", result.Successful),
		attribute.Int("batch.failed", result.Failed),
	)

	payload, _ := json.Marshal(result)
	h.webhooks.QueueEvent(domain.EventBatchCompleted, string(payload))

	writeJSON(w, http.StatusOK, result)
}

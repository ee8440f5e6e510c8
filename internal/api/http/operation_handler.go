package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ai-control-plane/internal/domain"
	"ai-control-plane/internal/metrics"
	"ai-control-plane/internal/router"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// newValidator builds the request validator shared by all handlers,
// including the custom duration tag.
func newValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return validate
}

// instrumentedResponseWriter captures the status code for metrics and spans.
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// instrument wraps a handler with a span and the request counter.
func instrument(tracer trace.Tracer, path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r.WithContext(ctx))

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	}
}

// writeValidationError renders validator failures as a structured 400.
func writeValidationError(w http.ResponseWriter, err error) {
	var details []string
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, ve := range validationErrors {
			details = append(details, "Field '"+ve.Field()+"' failed on the '"+ve.Tag()+"' tag.")
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "Validation failed",
		"details": details,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// OperationHandler serves the operation submission and lifecycle endpoints.
type OperationHandler struct {
	router   *router.Router
	clock    domain.Clock
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewOperationHandler creates the operations handler.
func NewOperationHandler(rt *router.Router, clock domain.Clock, logger *slog.Logger) *OperationHandler {
	return &OperationHandler{
		router:   rt,
		clock:    clock,
		logger:   logger.With("component", "operation-handler"),
		validate: newValidator(),
		tracer:   otel.Tracer("control-plane-api"),
	}
}

// RegisterRoutes registers the operation endpoints on the mux.
func (h *OperationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/operations/", instrument(h.tracer, "/operations/", h.handleOperations))
}

// handleOperations dispatches /operations/ and /operations/{id}.
func (h *OperationHandler) handleOperations(w http.ResponseWriter, r *http.Request) {
	operationID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/operations/"), "/")

	switch r.Method {
	case http.MethodPost:
		if operationID != "" {
			http.NotFound(w, r)
			return
		}
		h.handleSubmit(w, r)
	case http.MethodGet:
		if operationID == "" {
			h.handleHistory(w, r)
		} else {
			h.handleGetStatus(w, r, operationID)
		}
	case http.MethodDelete:
		if operationID == "" {
			http.Error(w, "Operation id is required for cancellation", http.StatusBadRequest)
			return
		}
		h.handleCancel(w, r, operationID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSubmit handles POST /operations/.
func (h *OperationHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SubmitOperation")
	defer span.End()

	var req SubmitOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		writeValidationError(w, err)
		return
	}

	op := req.ToDomainOperation(h.clock.Now())
	span.SetAttributes(
		attribute.String("operation.type", op.Type),
		attribute.String("tenant.id", op.TenantID),
	)

	id, err := h.router.Submit(ctx, op)
	if err != nil {
		h.writeSubmitError(w, span, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitOperationResponse{OperationID: id, Status: string(op.Status)})
}

// writeSubmitError maps admission and routing failures onto status codes.
func (h *OperationHandler) writeSubmitError(w http.ResponseWriter, span trace.Span, err error) {
	span.RecordError(err)

	var quotaErr *domain.QuotaExceededError
	var rateErr *domain.RateLimitedError
	switch {
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":     err.Error(),
			"used":      quotaErr.Used,
			"ceiling":   quotaErr.Ceiling,
			"remaining": quotaErr.Remaining,
		})
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds()+1)))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": err.Error()})
	case errors.Is(err, domain.ErrRouteNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrRouteDisabled):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		span.SetStatus(codes.Error, "Failed to submit operation")
		h.logger.Error("error submitting operation", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleGetStatus handles GET /operations/{id}.
func (h *OperationHandler) handleGetStatus(w http.ResponseWriter, r *http.Request, operationID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetOperation")
	defer span.End()
	span.SetAttributes(attribute.String("operation.id", operationID))

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id query parameter is required", http.StatusBadRequest)
		return
	}

	record, err := h.router.GetStatus(ctx, tenantID, operationID)
	if err != nil {
		if errors.Is(err, domain.ErrOperationNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			span.RecordError(err)
			h.logger.Error("error getting operation", "operation_id", operationID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleHistory handles GET /operations/?tenant_id=.
func (h *OperationHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListOperations")
	defer span.End()

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id query parameter is required", http.StatusBadRequest)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	records, err := h.router.History(ctx, tenantID, page, pageSize)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("error listing operation history", "tenant_id", tenantID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleCancel handles DELETE /operations/{id}.
func (h *OperationHandler) handleCancel(w http.ResponseWriter, r *http.Request, operationID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.CancelOperation")
	defer span.End()
	span.SetAttributes(attribute.String("operation.id", operationID))

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id query parameter is required", http.StatusBadRequest)
		return
	}

	if err := h.router.Cancel(ctx, tenantID, operationID); err != nil {
		if errors.Is(err, domain.ErrOperationNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			span.RecordError(err)
			http.Error(w, err.Error(), http.StatusConflict)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

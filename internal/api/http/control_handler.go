package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"ai-control-plane/internal/billing"
	"ai-control-plane/internal/costs"
	"ai-control-plane/internal/domain"
	"ai-control-plane/internal/health"
	"ai-control-plane/internal/router"
	"ai-control-plane/internal/stats"
	"ai-control-plane/internal/webhook"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RouteAdminStore is the management surface of the configuration store.
type RouteAdminStore interface {
	SaveRoute(ctx context.Context, route *domain.Route) error
	DeleteRoute(ctx context.Context, operationType string) error
	ListRoutes(ctx context.Context) ([]*domain.Route, error)
}

// ControlHandler serves the operator-facing endpoints: provider health,
// statistics snapshots, route management, webhook subscriptions and
// invoicing.
type ControlHandler struct {
	router         *router.Router
	monitor        *health.Monitor
	collector      *stats.Collector
	predictor      *costs.Predictor
	billing        *billing.Engine
	webhooks       *webhook.Manager
	routes         RouteAdminStore
	dailyBudgetUSD float64
	logger         *slog.Logger
	validate       *validator.Validate
	tracer         trace.Tracer
}

// NewControlHandler creates the operator handler.
func NewControlHandler(
	rt *router.Router,
	monitor *health.Monitor,
	collector *stats.Collector,
	predictor *costs.Predictor,
	billingEngine *billing.Engine,
	webhooks *webhook.Manager,
	routes RouteAdminStore,
	dailyBudgetUSD float64,
	logger *slog.Logger,
) *ControlHandler {
	return &ControlHandler{
		router:         rt,
		monitor:        monitor,
		collector:      collector,
		predictor:      predictor,
		billing:        billingEngine,
		webhooks:       webhooks,
		routes:         routes,
		dailyBudgetUSD: dailyBudgetUSD,
		logger:         logger.With("component", "control-handler"),
		validate:       newValidator(),
		tracer:         otel.Tracer("control-plane-api"),
	}
}

// RegisterRoutes registers the operator endpoints on the mux.
func (h *ControlHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/providers/", instrument(h.tracer, "/providers/", h.handleProviders))
	mux.Handle("/stats/", instrument(h.tracer, "/stats/", h.handleStats))
	mux.Handle("/routes/", instrument(h.tracer, "/routes/", h.handleRoutes))
	mux.Handle("/webhooks/", instrument(h.tracer, "/webhooks/", h.handleWebhooks))
	mux.Handle("/invoices/", instrument(h.tracer, "/invoices/", h.handleInvoices))
}

// handleProviders handles GET /providers/: ranked provider health.
func (h *ControlHandler) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.monitor.GetRanked())
}

// handleStats handles GET /stats/: a fresh observability snapshot including
// SLA compliance and budget variance.
func (h *ControlHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snapshot := h.collector.CreateSnapshot(h.predictor.DailySpend(), h.dailyBudgetUSD)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshot":    snapshot,
		"queue_depth": h.router.QueueDepth(),
	})
}

// handleRoutes dispatches /routes/ and /routes/{type}.
func (h *ControlHandler) handleRoutes(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Routes")
	defer span.End()

	operationType := strings.Trim(strings.TrimPrefix(r.URL.Path, "/routes/"), "/")

	switch r.Method {
	case http.MethodGet:
		routes, err := h.routes.ListRoutes(ctx)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("error listing routes", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, routes)
	case http.MethodPost, http.MethodPut:
		var req SaveRouteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.validate.Struct(req); err != nil {
			span.RecordError(err)
			writeValidationError(w, err)
			return
		}
		route := req.ToDomainRoute()
		span.SetAttributes(attribute.String("operation.type", route.OperationType))
		if err := h.routes.SaveRoute(ctx, route); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to save route")
			h.logger.Error("error saving route", "operation_type", route.OperationType, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		h.router.InvalidateRoute(route.OperationType)
		writeJSON(w, http.StatusCreated, route)
	case http.MethodDelete:
		if operationType == "" {
			http.Error(w, "Operation type is required for deletion", http.StatusBadRequest)
			return
		}
		if err := h.routes.DeleteRoute(ctx, operationType); err != nil {
			span.RecordError(err)
			h.logger.Error("error deleting route", "operation_type", operationType, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		h.router.InvalidateRoute(operationType)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWebhooks dispatches /webhooks/, /webhooks/{id} and
// /webhooks/{id}/deliveries.
func (h *ControlHandler) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "handler.Webhooks")
	defer span.End()

	pathParts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/webhooks/"), "/"), "/")
	var subscriptionID, action string
	if pathParts[0] != "" {
		subscriptionID = pathParts[0]
	}
	if len(pathParts) > 1 {
		action = pathParts[1]
	}

	switch {
	case r.Method == http.MethodPost && subscriptionID == "":
		var req RegisterWebhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.validate.Struct(req); err != nil {
			span.RecordError(err)
			writeValidationError(w, err)
			return
		}
		sub, err := h.webhooks.Register(req.TenantID, req.TargetURL, req.ToEventTypes())
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case r.Method == http.MethodGet && subscriptionID == "":
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			http.Error(w, "tenant_id query parameter is required", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, h.webhooks.Subscriptions(tenantID))
	case r.Method == http.MethodGet && action == "deliveries":
		writeJSON(w, http.StatusOK, h.webhooks.Deliveries(subscriptionID))
	case r.Method == http.MethodDelete && subscriptionID != "" && action == "":
		h.webhooks.Unregister(subscriptionID)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleInvoices dispatches /invoices/{tenant} and
// /invoices/{tenant}/{id}/{pay|overdue}.
func (h *ControlHandler) handleInvoices(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Invoices")
	defer span.End()

	pathParts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/invoices/"), "/"), "/")
	var tenantID, invoiceID, action string
	if pathParts[0] != "" {
		tenantID = pathParts[0]
	}
	if len(pathParts) > 1 {
		invoiceID = pathParts[1]
	}
	if len(pathParts) > 2 {
		action = pathParts[2]
	}
	if tenantID == "" {
		http.Error(w, "Tenant id is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	switch {
	case r.Method == http.MethodGet && invoiceID == "":
		invoices, err := h.billing.ListInvoices(ctx, tenantID)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("error listing invoices", "tenant_id", tenantID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, invoices)
	case r.Method == http.MethodPost && invoiceID == "":
		invoice, err := h.billing.GenerateInvoice(ctx, tenantID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to generate invoice")
			if errors.Is(err, domain.ErrLockNotAcquired) {
				http.Error(w, "Invoice generation already in progress", http.StatusConflict)
				return
			}
			h.logger.Error("error generating invoice", "tenant_id", tenantID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, invoice)
	case r.Method == http.MethodPost && (action == "pay" || action == "overdue"):
		var err error
		if action == "pay" {
			err = h.billing.MarkPaid(ctx, tenantID, invoiceID)
		} else {
			err = h.billing.MarkOverdue(ctx, tenantID, invoiceID)
		}
		if err != nil {
			span.RecordError(err)
			if errors.Is(err, domain.ErrInvoiceNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			h.logger.Error("error updating invoice", "tenant_id", tenantID,
				"invoice_id", invoiceID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

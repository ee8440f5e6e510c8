package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ai-control-plane/internal/admission"
	"ai-control-plane/internal/billing"
	"ai-control-plane/internal/costs"
	"ai-control-plane/internal/domain"
	"ai-control-plane/internal/health"
	"ai-control-plane/internal/metrics"
	"ai-control-plane/internal/orchestrator"
	"ai-control-plane/internal/queue"
	"ai-control-plane/internal/retry"
	"ai-control-plane/internal/stats"
	"ai-control-plane/internal/webhook"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// routeCacheTTL bounds how stale a cached route or toggle may get before the
// router re-reads the configuration store.
const routeCacheTTL = 5 * time.Minute

// Deps collects everything the router composes. All fields are required
// unless noted.
type Deps struct {
	Routes   domain.RouteStore
	Executor domain.ProviderExecutor
	Queue    *queue.PriorityQueue
	Monitor  *health.Monitor
	Orch     *orchestrator.Orchestrator
	Retries  *retry.Manager
	Quotas   *admission.QuotaManager
	Limiter  admission.Limiter
	Costs    *costs.Predictor
	Stats    *stats.Collector
	Billing  *billing.Engine
	Webhooks *webhook.Manager
	Archive  domain.ArchiveRepository
	Clock    domain.Clock
	Logger   *slog.Logger

	// DailyBudgetUSD enables budget alert events when positive.
	DailyBudgetUSD float64
}

// cachedRoute is one route cache slot, holding the route and its feature
// toggle as read together from the store.
type cachedRoute struct {
	route     *domain.Route
	toggle    *domain.FeatureToggle
	fetchedAt time.Time
}

// delayedEntry is an operation parked during retry backoff. It re-enters the
// queue once readyAt passes.
type delayedEntry struct {
	op      *domain.Operation
	readyAt time.Time
}

// Router is the control plane's composition root. Submit applies admission
// control and enqueues; the dispatch loop drains the queue through provider
// selection, execution, retry and failover, and settles every terminal
// operation into the archive, the ledger and the webhook queue.
type Router struct {
	deps   Deps
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	ops     map[string]*domain.Operation // live (non-terminal) operations
	plans   map[string]admission.Plan
	cache   map[string]*cachedRoute
	delayed []delayedEntry
}

// New creates a router from its dependencies.
func New(deps Deps) *Router {
	return &Router{
		deps:   deps,
		logger: deps.Logger.With("component", "router"),
		tracer: otel.Tracer("control-plane-router"),
		ops:    make(map[string]*domain.Operation),
		plans:  make(map[string]admission.Plan),
		cache:  make(map[string]*cachedRoute),
	}
}

// RegisterTenant installs the billing plan used for the tenant's quota
// checks. Unknown tenants are treated as free plan.
func (r *Router) RegisterTenant(tenantID string, plan admission.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[tenantID] = plan
}

func (r *Router) planFor(tenantID string) admission.Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	if plan, ok := r.plans[tenantID]; ok {
		return plan
	}
	return admission.PlanFree
}

// Submit validates the operation, applies admission control and enqueues it.
// It returns the assigned operation id.
func (r *Router) Submit(ctx context.Context, op *domain.Operation) (string, error) {
	ctx, span := r.tracer.Start(ctx, "router.Submit")
	defer span.End()

	if err := op.Validate(); err != nil {
		return "", fmt.Errorf("invalid operation: %w", err)
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	op.CreatedAt = r.deps.Clock.Now()
	span.SetAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.type", op.Type),
		attribute.String("tenant.id", op.TenantID),
	)

	entry, err := r.route(ctx, op.Type)
	if err != nil {
		return "", err
	}
	if !entry.route.Enabled {
		return "", fmt.Errorf("operation type %s: %w", op.Type, domain.ErrRouteDisabled)
	}
	if entry.toggle != nil && !entry.toggle.Enabled {
		return "", fmt.Errorf("operation type %s switched off by toggle: %w",
			op.Type, domain.ErrRouteDisabled)
	}

	plan := r.planFor(op.TenantID)
	admitted, used, remaining := r.deps.Quotas.TryConsume(op.TenantID, plan, 1)
	if !admitted {
		metrics.AdmissionRejectionsTotal.WithLabelValues("quota").Inc()
		return "", &domain.QuotaExceededError{
			TenantID:  op.TenantID,
			Used:      used,
			Ceiling:   admission.Ceiling(plan),
			Remaining: remaining,
		}
	}

	allowed, err := r.deps.Limiter.Allow(op.TenantID, 1)
	if err != nil {
		// Rate limiter backend trouble must not take the control plane down
		// with it; admission falls open and the quota still holds.
		r.logger.Warn("rate limiter unavailable, admitting without limit check",
			"tenant_id", op.TenantID, "error", err)
		allowed = true
	}
	if !allowed {
		r.deps.Quotas.Release(op.TenantID, 1)
		metrics.AdmissionRejectionsTotal.WithLabelValues("rate_limit").Inc()
		retryAfter, raErr := r.deps.Limiter.RetryAfter(op.TenantID, 1)
		if raErr != nil {
			retryAfter = time.Second
		}
		return "", &domain.RateLimitedError{TenantID: op.TenantID, RetryAfter: retryAfter}
	}

	r.mu.Lock()
	r.ops[op.ID] = op
	r.mu.Unlock()
	r.deps.Queue.Enqueue(op)

	r.logger.Info("operation submitted", "operation_id", op.ID,
		"type", op.Type, "tenant_id", op.TenantID, "tier", op.Tier)
	return op.ID, nil
}

// GetStatus returns the operation's current state. Live operations synthesize
// a record from the in-memory descriptor; terminal ones come from the archive.
func (r *Router) GetStatus(ctx context.Context, tenantID, operationID string) (*domain.OperationRecord, error) {
	r.mu.Lock()
	op, live := r.ops[operationID]
	r.mu.Unlock()

	if live {
		if op.TenantID != tenantID {
			return nil, domain.ErrOperationNotFound
		}
		return &domain.OperationRecord{
			ID:          operationID,
			OperationID: operationID,
			TenantID:    op.TenantID,
			Type:        op.Type,
			Status:      op.Status,
			Attempts:    r.deps.Retries.StateFor(operationID).Attempts,
			EnqueuedAt:  op.CreatedAt,
		}, nil
	}
	record, err := r.deps.Archive.Get(ctx, tenantID, operationID)
	if err != nil {
		return nil, domain.ErrOperationNotFound
	}
	return record, nil
}

// History lists a tenant's archived operations, newest first.
func (r *Router) History(ctx context.Context, tenantID string, page, pageSize int) ([]*domain.OperationRecord, error) {
	return r.deps.Archive.ListByTenant(ctx, tenantID, page, pageSize)
}

// Cancel withdraws a pending operation. Operations already executing or
// terminal cannot be canceled.
func (r *Router) Cancel(ctx context.Context, tenantID, operationID string) error {
	r.mu.Lock()
	op, live := r.ops[operationID]
	r.mu.Unlock()
	if !live || op.TenantID != tenantID {
		return domain.ErrOperationNotFound
	}

	if _, removed := r.deps.Queue.Remove(operationID); !removed {
		if !r.removeDelayed(operationID) {
			return fmt.Errorf("operation %s already executing, cannot cancel", operationID)
		}
	}

	op.Status = domain.OperationStatusFailed
	r.settle(ctx, op, "", "", 0, errors.New("canceled by caller"))
	r.logger.Info("operation canceled", "operation_id", operationID, "tenant_id", tenantID)
	return nil
}

// removeDelayed pulls an operation out of the backoff parking lot.
func (r *Router) removeDelayed(operationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, d := range r.delayed {
		if d.op.ID == operationID {
			r.delayed = append(r.delayed[:i], r.delayed[i+1:]...)
			return true
		}
	}
	return false
}

// QueueDepth returns the number of operations waiting for dispatch, including
// those parked in retry backoff.
func (r *Router) QueueDepth() int {
	r.mu.Lock()
	parked := len(r.delayed)
	r.mu.Unlock()
	return r.deps.Queue.Size() + parked
}

// route returns the cached route and toggle for an operation type, re-reading
// the configuration store when the cache slot is stale.
func (r *Router) route(ctx context.Context, opType string) (*cachedRoute, error) {
	now := r.deps.Clock.Now()

	r.mu.Lock()
	entry, ok := r.cache[opType]
	r.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < routeCacheTTL {
		return entry, nil
	}

	route, err := r.deps.Routes.GetRoute(ctx, opType)
	if err != nil {
		return nil, fmt.Errorf("resolve route for %s: %w", opType, err)
	}
	toggle, err := r.deps.Routes.GetFeatureToggle(ctx, opType)
	if err != nil {
		// No toggle means the type is not gated.
		toggle = nil
	}

	entry = &cachedRoute{route: route, toggle: toggle, fetchedAt: now}
	r.mu.Lock()
	r.cache[opType] = entry
	r.mu.Unlock()
	return entry, nil
}

// InvalidateRoute drops the cache slot for an operation type so the next
// submission re-reads the store.
func (r *Router) InvalidateRoute(opType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, opType)
}

// DispatchOnce promotes parked retries whose backoff elapsed, then executes
// at most one queued operation. It reports whether an operation was taken.
func (r *Router) DispatchOnce(ctx context.Context) bool {
	r.promoteDelayed()

	entry, ok := r.deps.Queue.Dequeue()
	if !ok {
		return false
	}
	r.dispatch(ctx, entry.Op)
	return true
}

// Run drains the queue on the given poll interval until the context is
// canceled.
func (r *Router) Run(ctx context.Context, pollInterval time.Duration) {
	r.logger.Info("dispatch loop started", "poll_interval", pollInterval)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("dispatch loop stopped")
			return
		case <-ticker.C:
			for r.DispatchOnce(ctx) {
			}
		}
	}
}

// promoteDelayed re-enqueues parked operations whose backoff elapsed.
func (r *Router) promoteDelayed() {
	now := r.deps.Clock.Now()

	r.mu.Lock()
	var ready []*domain.Operation
	kept := r.delayed[:0]
	for _, d := range r.delayed {
		if d.readyAt.After(now) {
			kept = append(kept, d)
		} else {
			ready = append(ready, d.op)
		}
	}
	r.delayed = kept
	r.mu.Unlock()

	for _, op := range ready {
		op.Status = domain.OperationStatusPending
		r.deps.Queue.Enqueue(op)
	}
}

// dispatch runs one dequeued operation end to end: provider selection, a
// single executor attempt, then the success or failure bookkeeping.
func (r *Router) dispatch(ctx context.Context, op *domain.Operation) {
	ctx, span := r.tracer.Start(ctx, "router.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.type", op.Type),
	)

	now := r.deps.Clock.Now()
	if op.Expired(now) {
		op.Status = domain.OperationStatusFailed
		r.settle(ctx, op, "", "", 0, domain.ErrOperationExpired)
		return
	}

	entry, err := r.route(ctx, op.Type)
	if err != nil {
		op.Status = domain.OperationStatusFailed
		r.settle(ctx, op, "", "", 0, err)
		return
	}

	provider, err := r.deps.Orch.SelectProvider(op.ID, entry.route.Chain()...)
	if err != nil {
		op.Status = domain.OperationStatusFailed
		r.settle(ctx, op, "", "", 0, fmt.Errorf("%w: %v", domain.ErrCircuitOpen, err))
		return
	}
	span.SetAttributes(attribute.String("provider", provider))

	op.Status = domain.OperationStatusExecuting
	start := r.deps.Clock.Now()
	output, execErr := r.deps.Executor.Execute(ctx, provider, op)
	latencyMs := r.deps.Clock.Now().Sub(start).Milliseconds()

	if execErr == nil {
		r.succeed(ctx, op, provider, output, latencyMs)
		return
	}
	r.fail(ctx, op, provider, latencyMs, execErr)
}

// succeed settles a completed operation: health, statistics, cost tracking,
// billing, budget alerts and the archive all see it exactly once.
func (r *Router) succeed(ctx context.Context, op *domain.Operation, provider, output string, latencyMs int64) {
	r.deps.Monitor.RecordSuccess(provider, latencyMs)
	r.deps.Stats.Record(op.Type, provider, true, latencyMs)
	metrics.OperationsTotal.WithLabelValues(op.Type, provider, "completed").Inc()
	metrics.OperationLatency.WithLabelValues(provider).Observe(float64(latencyMs))

	cost := r.deps.Orch.EstimateCost(provider, op.EstimatedSize, len(output))
	if r.deps.Costs.IsAnomaly(op.Type, cost) {
		stats := r.deps.Costs.GetStats(op.Type)
		r.logger.Warn("cost anomaly detected", "operation_id", op.ID,
			"type", op.Type, "cost_usd", cost, "mean_usd", stats.Mean)
	}
	r.deps.Costs.RecordCost(op.Type, cost)
	if err := r.deps.Billing.RecordOperation(ctx, op.TenantID, op.Type, provider, cost); err != nil {
		r.logger.Error("failed to record billing entry", "operation_id", op.ID, "error", err)
	}
	r.checkBudget()

	op.Status = domain.OperationStatusCompleted
	r.settle(ctx, op, provider, output, cost, nil)
}

// fail applies the retry policy to a failed attempt: transient errors under
// both the retry and failover ceilings park for backoff, everything else
// terminates the operation.
func (r *Router) fail(ctx context.Context, op *domain.Operation, provider string, latencyMs int64, execErr error) {
	kind := retry.Classify(execErr)
	r.deps.Monitor.RecordFailure(provider, string(kind), latencyMs)
	r.deps.Stats.Record(op.Type, provider, false, latencyMs)

	attempts := r.deps.Retries.StateFor(op.ID).Attempts
	if !retry.CanRetry(kind, attempts+1) {
		op.Status = domain.OperationStatusFailed
		if kind == retry.KindTerminal {
			r.settle(ctx, op, provider, "", 0, execErr)
		} else {
			r.settle(ctx, op, provider, "", 0, fmt.Errorf("%w: %v", domain.ErrRetryExhausted, execErr))
		}
		return
	}
	if !r.deps.Orch.CanFailover(op.ID) {
		op.Status = domain.OperationStatusFailed
		r.settle(ctx, op, provider, "", 0,
			fmt.Errorf("failover ceiling reached: %w", execErr))
		return
	}

	delay := retry.CalculateBackoff(attempts)
	state := r.deps.Retries.Record(op.ID, kind, delay)
	r.deps.Orch.RecordFailover(op.ID, provider)

	r.mu.Lock()
	r.delayed = append(r.delayed, delayedEntry{op: op, readyAt: r.deps.Clock.Now().Add(delay)})
	r.mu.Unlock()

	r.logger.Info("operation scheduled for retry", "operation_id", op.ID,
		"provider", provider, "attempt", state.Attempts, "backoff", delay, "error", execErr)
}

// eventPayload is the JSON body queued for webhook delivery on terminal
// operations.
type eventPayload struct {
	OperationID string  `json:"operation_id"`
	TenantID    string  `json:"tenant_id"`
	Type        string  `json:"type"`
	Provider    string  `json:"provider,omitempty"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
}

// settle is the single terminal path: it archives the record, queues the
// webhook event, updates metrics for failures and drops all per-operation
// bookkeeping.
func (r *Router) settle(ctx context.Context, op *domain.Operation, provider, output string, cost float64, opErr error) {
	now := r.deps.Clock.Now()
	attempts := r.deps.Retries.StateFor(op.ID).Attempts
	if provider != "" {
		// Recorded retries are the failed attempts; the final one counts too.
		attempts++
	}
	record := &domain.OperationRecord{
		ID:          uuid.New().String(),
		OperationID: op.ID,
		TenantID:    op.TenantID,
		Type:        op.Type,
		Provider:    provider,
		Status:      op.Status,
		Output:      output,
		Attempts:    attempts,
		EnqueuedAt:  op.CreatedAt,
		FinishedAt:  now,
		CostUSD:     cost,
	}
	if opErr != nil {
		record.Error = opErr.Error()
		metrics.OperationsTotal.WithLabelValues(op.Type, provider, "failed").Inc()
		r.logger.Warn("operation failed", "operation_id", op.ID,
			"type", op.Type, "provider", provider, "error", opErr)
	}
	if err := r.deps.Archive.Save(ctx, record); err != nil {
		r.logger.Error("failed to archive operation", "operation_id", op.ID, "error", err)
	}

	event := domain.EventOperationCompleted
	if op.Status == domain.OperationStatusFailed {
		event = domain.EventOperationFailed
	}
	payload, _ := json.Marshal(eventPayload{
		OperationID: op.ID,
		TenantID:    op.TenantID,
		Type:        op.Type,
		Provider:    provider,
		Status:      string(op.Status),
		Error:       record.Error,
		CostUSD:     cost,
	})
	r.deps.Webhooks.QueueEvent(event, string(payload))

	r.mu.Lock()
	delete(r.ops, op.ID)
	r.mu.Unlock()
	r.deps.Retries.Forget(op.ID)
	r.deps.Orch.Forget(op.ID)
}

// checkBudget queues one budget alert event per newly crossed threshold.
func (r *Router) checkBudget() {
	if r.deps.DailyBudgetUSD <= 0 {
		return
	}
	crossed := r.deps.Costs.ShouldAlertBudget(r.deps.DailyBudgetUSD)
	for _, pct := range crossed {
		spend := r.deps.Costs.DailySpend()
		r.logger.Warn("daily budget threshold crossed",
			"threshold_pct", pct, "spend_usd", spend, "budget_usd", r.deps.DailyBudgetUSD)
		payload, _ := json.Marshal(map[string]any{
			"threshold_pct": pct,
			"spend_usd":     spend,
			"budget_usd":    r.deps.DailyBudgetUSD,
		})
		r.deps.Webhooks.QueueEvent(domain.EventBudgetAlert, string(payload))
	}
}

package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-control-plane/internal/admission"
	http_api "ai-control-plane/internal/api/http"
	"ai-control-plane/internal/batch"
	"ai-control-plane/internal/billing"
	"ai-control-plane/internal/config"
	"ai-control-plane/internal/costs"
	"ai-control-plane/internal/domain"
	"ai-control-plane/internal/health"
	"ai-control-plane/internal/infra/etcd"
	infra_http "ai-control-plane/internal/infra/http"
	infra_redis "ai-control-plane/internal/infra/redis"
	infra_shell "ai-control-plane/internal/infra/shell"
	"ai-control-plane/internal/orchestrator"
	"ai-control-plane/internal/queue"
	"ai-control-plane/internal/retry"
	"ai-control-plane/internal/router"
	"ai-control-plane/internal/scheduler"
	"ai-control-plane/internal/stats"
	"ai-control-plane/internal/tracing"
	"ai-control-plane/internal/usecase"
	"ai-control-plane/internal/webhook"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("ai-control-plane")
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	nodeID := uuid.New().String()
	logger.Info("starting control plane node", "node_id", nodeID)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// Storage backends.
	etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
	if err != nil {
		log.Fatalf("Failed to create etcd client: %v", err)
	}
	defer etcdClient.Close()

	redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	clock := domain.SystemClock()
	routeStore := etcd.NewRouteStore(etcdClient, logger)
	archiveRepo := etcd.NewArchiveRepository(etcdClient, logger)
	ledgerRepo := etcd.NewLedgerRepository(etcdClient, logger)
	locker := etcd.NewLocker(etcdClient)
	leaderManager := etcd.NewLeaderElectionManager(etcdClient, nodeID, cfg.LeaderElectionTTL, logger)

	// Core components.
	monitor := health.NewMonitor(clock, logger)
	orch := orchestrator.New(monitor, clock, logger)
	retries := retry.NewManager()
	quotas := admission.NewQuotaManager()
	limiter := infra_redis.NewRateLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, clock, logger)
	predictor := costs.NewPredictor(clock, logger)
	collector := stats.NewCollector(clock, logger)
	billingEngine := billing.NewEngine(ledgerRepo, locker, clock, logger)
	webhookManager := webhook.NewManager(clock, logger)
	batchEngine := batch.NewEngine(logger)

	executor := newProviderExecutor(cfg, logger)

	rt := router.New(router.Deps{
		Routes:         routeStore,
		Executor:       executor,
		Queue:          queue.New(clock),
		Monitor:        monitor,
		Orch:           orch,
		Retries:        retries,
		Quotas:         quotas,
		Limiter:        limiter,
		Costs:          predictor,
		Stats:          collector,
		Billing:        billingEngine,
		Webhooks:       webhookManager,
		Archive:        archiveRepo,
		Clock:          clock,
		Logger:         logger,
		DailyBudgetUSD: cfg.DailyBudgetUSD,
	})

	// Scheduled operations fire through the same admission path as API
	// submissions. Condition triggers see live control-plane gauges.
	conditions := func() map[string]float64 {
		return map[string]float64{
			"queue_depth":     float64(rt.QueueDepth()),
			"daily_spend_usd": predictor.DailySpend(),
		}
	}
	sched := scheduler.New(rt, clock, conditions, logger)
	schedulerService := usecase.NewSchedulerService(leaderManager, sched, quotas, predictor, nodeID, clock, logger)

	// Batch items route to providers without queueing; each item is one
	// provider call tracked in health and statistics.
	batchExecutor := func(ctx context.Context, batchType string, item *batch.Item) (string, error) {
		route, err := routeStore.GetRoute(ctx, batchType)
		if err != nil {
			return "", err
		}
		provider, err := orch.SelectProvider(item.ID, route.Chain()...)
		if err != nil {
			return "", err
		}
		op := &domain.Operation{ID: item.ID, Type: batchType, TenantID: "batch", Payload: item.Payload}
		start := clock.Now()
		output, execErr := executor.Execute(ctx, provider, op)
		latencyMs := clock.Now().Sub(start).Milliseconds()
		if execErr != nil {
			monitor.RecordFailure(provider, string(retry.Classify(execErr)), latencyMs)
			collector.Record(batchType, provider, false, latencyMs)
			return output, execErr
		}
		monitor.RecordSuccess(provider, latencyMs)
		collector.Record(batchType, provider, true, latencyMs)
		return output, nil
	}

	// Background loops.
	go rt.Run(rootCtx, cfg.DispatchPollInterval)

	drainer := webhook.NewDrainer(webhookManager, webhook.NewHTTPTransport(cfg.WebhookTimeout), logger)
	go drainer.Run(rootCtx, cfg.WebhookDrainInterval)

	go func() {
		if err := schedulerService.Start(rootCtx); err != nil && err != context.Canceled {
			log.Fatalf("SchedulerService stopped with error: %v", err)
		}
	}()

	// HTTP API.
	operationHandler := http_api.NewOperationHandler(rt, clock, logger)
	controlHandler := http_api.NewControlHandler(rt, monitor, collector, predictor,
		billingEngine, webhookManager, routeStore, cfg.DailyBudgetUSD, logger)
	batchHandler := http_api.NewBatchHandler(batchEngine, batchExecutor, webhookManager, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	operationHandler.RegisterRoutes(mux)
	controlHandler.RegisterRoutes(mux)
	batchHandler.RegisterRoutes(mux)

	logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: corsMiddleware(mux),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("HTTP server shutdown failed: %v", err)
	}
	logger.Info("control plane shut down")
}

// newProviderExecutor selects the executor per provider: names in
// shell_providers run as local commands, everything else goes over HTTP.
func newProviderExecutor(cfg *config.Config, logger *slog.Logger) domain.ProviderExecutor {
	endpoints := make(map[string]infra_http.Endpoint, len(cfg.Providers))
	for name, ep := range cfg.Providers {
		endpoints[name] = infra_http.Endpoint{URL: ep.URL, APIKey: ep.APIKey}
	}
	httpExecutor := infra_http.NewProviderExecutor(endpoints, cfg.ProviderTimeout)
	if len(cfg.ShellProviders) == 0 {
		return httpExecutor
	}

	shellExecutor := infra_shell.NewProviderExecutor(cfg.ShellProviders, cfg.ProviderTimeout, logger)
	return domain.ExecutorFunc(func(ctx context.Context, provider string, op *domain.Operation) (string, error) {
		if _, ok := cfg.ShellProviders[provider]; ok {
			return shellExecutor.Execute(ctx, provider, op)
		}
		return httpExecutor.Execute(ctx, provider, op)
	})
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests handled by the API.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// OperationsTotal counts routed operations by type, provider and outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operations_total",
			Help: "Total number of operations executed through the control plane.",
		},
		[]string{"type", "provider", "status"},
	)

	// OperationLatency observes end-to-end provider call latency.
	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "operation_latency_ms",
			Help:    "Provider call latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"provider"},
	)

	// QueueDepth tracks the number of pending operations in the priority queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of operations waiting in the priority queue.",
		},
	)

	// CircuitState exports the circuit breaker state per provider.
	// 0 = closed, 1 = half-open, 2 = open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_circuit_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
		},
		[]string{"provider"},
	)

	// AdmissionRejectionsTotal counts submissions rejected before enqueue.
	AdmissionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_rejections_total",
			Help: "Total number of operations rejected by admission control.",
		},
		[]string{"reason"},
	)

	// BatchItemsTotal counts batch item outcomes.
	BatchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_items_total",
			Help: "Total number of batch items executed.",
		},
		[]string{"status"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by outcome.
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts.",
		},
		[]string{"status"},
	)

	// IsLeader marks whether this node currently drives the scheduler loop.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the scheduler leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)

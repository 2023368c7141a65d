package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine and registry counters. Single chain/contract per process, so no
// chain/network label partitioning.

var (
	// Engine
	OrdersProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "engine",
		Name:      "orders_processed_total",
		Help:      "Total order attempts by outcome",
	}, []string{"outcome"})

	OrderFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "engine",
		Name:      "order_failures_total",
		Help:      "Total order attempt failures by error kind",
	}, []string{"kind"})

	RetriesScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "engine",
		Name:      "retries_scheduled_total",
		Help:      "Total order retries scheduled with backoff",
	})

	FundingRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "engine",
		Name:      "funding_requests_total",
		Help:      "Total funding requests emitted for depleted workers",
	})

	ConfirmationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mintpool",
		Subsystem: "engine",
		Name:      "confirmation_duration_seconds",
		Help:      "Broadcast-to-receipt latency",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	BatchesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "engine",
		Name:      "batches_processed_total",
		Help:      "Total batches processed by aggregate outcome",
	}, []string{"outcome"})

	BroadcastBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mintpool",
		Subsystem: "engine",
		Name:      "broadcast_breaker_state",
		Help:      "Broadcast circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	// Registry
	WorkerCheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "registry",
		Name:      "checkouts_total",
		Help:      "Total worker checkout attempts by outcome",
	}, []string{"outcome"})

	WorkersAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mintpool",
		Subsystem: "registry",
		Name:      "workers_available",
		Help:      "Workers currently AVAILABLE",
	})

	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mintpool",
		Subsystem: "registry",
		Name:      "workers_busy",
		Help:      "Workers currently BUSY",
	})

	// Chain RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total chain RPC calls by method and status",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "RPC calls delayed by the client-side rate limiter",
	})

	FeeCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "rpc",
		Name:      "fee_cache_total",
		Help:      "Fee estimator cache lookups by result",
	}, []string{"result"})

	// Metadata
	PinCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "metadata",
		Name:      "pin_cache_total",
		Help:      "Pin cache lookups by result",
	}, []string{"result"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alerts sent per channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mintpool",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown per channel and type",
	}, []string{"channel", "type"})
)

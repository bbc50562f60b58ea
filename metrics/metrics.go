// Package metrics provides Prometheus metrics for lablock operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lablock_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lablock_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Coordination store metrics
	StoreOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lablock_store_ops_total",
			Help: "Total number of coordination store operations",
		},
		[]string{"backend", "operation", "status"}, // status: "success", "not_found", "conflict", "error"
	)

	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lablock_store_op_duration_seconds",
			Help:    "Coordination store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	StorePurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lablock_store_purged_entries_total",
			Help: "Total number of expired entries purged from the coordination store",
		},
	)

	// Lock manager metrics
	LockOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lablock_lock_operations_total",
			Help: "Total number of lock operations",
		},
		[]string{"operation", "status"}, // operation: "acquire", "release", "release_all"; status: "success", "locked", "failure"
	)

	LockOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lablock_lock_operation_duration_seconds",
			Help:    "Lock operation duration in seconds, including time spent waiting",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)

	ActiveLocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lablock_active_locks",
			Help: "Number of locks currently held by this process",
		},
	)

	LockRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lablock_lock_refreshes_total",
			Help: "Total number of lease refreshes issued by the keep-alive loop",
		},
		[]string{"status"}, // "success", "lost", "failure"
	)

	RenewalFailureCycles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lablock_renewal_failure_cycles",
			Help: "Consecutive keep-alive cycles in which at least one refresh failed",
		},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lablock_errors_total",
			Help: "Total number of errors by component",
		},
		[]string{"component", "error_type"},
	)
)

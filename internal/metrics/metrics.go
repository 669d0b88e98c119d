// Package metrics holds the Prometheus collectors for the secret service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Secret lifecycle
	SecretsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "secrets_created_total",
			Help: "Total number of secrets created",
		},
	)

	SecretsPeeked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrets_peeked_total",
			Help: "Total number of peek calls by outcome",
		},
		[]string{"result"}, // "ok", "not_found", "expired", "consumed", "error"
	)

	SecretsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrets_consumed_total",
			Help: "Total number of consume calls by outcome",
		},
		[]string{"result"},
	)

	SecretsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "secrets_purged_total",
			Help: "Total number of expired records removed by the sweeper",
		},
	)

	SweepErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "secrets_sweep_errors_total",
			Help: "Total number of failed expiry sweeps",
		},
	)

	// Store
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Duration of backing store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	StoreOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operation_errors_total",
			Help: "Total number of backing store transport failures",
		},
		[]string{"backend", "operation"},
	)

	StoreBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "store_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"backend"},
	)

	// Access log
	AccessLogDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "access_log_dropped_total",
			Help: "Access log entries dropped because the buffer was full",
		},
	)

	AccessLogWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "access_log_write_errors_total",
			Help: "Access log entries that failed to persist",
		},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

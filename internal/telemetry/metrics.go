// Package telemetry provides operational observability for the sentinel service:
// structured logging setup and Prometheus metrics.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and served by the
// side-channel HTTP server started by main.go:
//
//	GET http://<host>:<SENTINEL_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template)
//   - Rate limiter decisions, exceed transitions, fail-open events and abuse signals
//   - Audit events written, fallback writes and shipper failures
//   - Session registry operations
//   - Background sweep results
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code. The path label
// holds the Gin route template, not the raw URL.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - 429 share:                         sum(rate(http_requests_total{status="429"}[5m])) / sum(rate(http_requests_total[5m]))
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Rate limiter metrics.
//
// RateLimitDecisionsTotal{category, outcome} counts every Check; outcome is one of
// "allowed", "denied", or "fail_open". A sustained non-zero fail_open rate means the
// window store is unreachable and throttling is effectively disabled.
//
// Example PromQL queries:
//   - Deny rate by category:  sum by (category) (rate(ratelimit_decisions_total{outcome="denied"}[5m]))
//   - Alert on fail-open:     increase(ratelimit_decisions_total{outcome="fail_open"}[5m]) > 0
var (
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total number of rate limit decisions, by endpoint category and outcome.",
		},
		[]string{"category", "outcome"},
	)

	RateLimitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_exceeded_windows_total",
			Help: "Total number of rate limit windows that moved into the exceeded state, by endpoint category.",
		},
		[]string{"category"},
	)

	AbuseSignalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_abuse_signals_total",
			Help: "Total number of suspicious-activity signals raised by abuse detection.",
		},
	)
)

// Audit metrics.
//
// AuditEventsTotal{category, severity} counts every event handed to the audit logger.
// AuditFallbackWritesTotal counts events that could not be written to the store of
// record and were appended to the local fallback log instead.
var (
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Total number of audit events logged, by category and severity.",
		},
		[]string{"category", "severity"},
	)

	AuditFallbackWritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_fallback_writes_total",
			Help: "Total number of audit events written to the fallback log after a store failure.",
		},
	)

	AuditShipperErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_shipper_errors_total",
			Help: "Total number of failed deliveries to external audit shippers.",
		},
	)
)

// SessionOperationsTotal{operation, result} counts session registry calls; result is
// "ok" or "error".
var SessionOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "session_operations_total",
		Help: "Total number of session registry operations, by operation and result.",
	},
	[]string{"operation", "result"},
)

// SweepDeletedTotal{job} counts rows removed or expired by background sweeps.
var SweepDeletedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sweep_rows_total",
		Help: "Total number of rows purged or expired by background sweep jobs, by job.",
	},
	[]string{"job"},
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds until ctx is
// cancelled.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			case <-ctx.Done():
				slog.Debug("db stats collector stopped")
				return
			}
		}
	}()
}

// Outcome reports a result label for an operation error.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

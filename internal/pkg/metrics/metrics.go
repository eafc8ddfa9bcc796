// Package metrics provides Prometheus metrics for the CrowdSense backend
// (HTTP RED + pipeline counters). Scrapeable at /metrics; dashboards and
// runbooks rely on these names.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crowdsense"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// SamplesProcessedTotal counts samples ingested by the detectors.
	SamplesProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_processed_total",
			Help:      "Total number of samples ingested by the anomaly detectors.",
		},
	)

	// AnomaliesDetectedTotal counts evaluations that fired.
	AnomaliesDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Total number of anomaly decisions.",
		},
	)

	// LastAnomalyScore is the z-score of the most recent anomaly.
	LastAnomalyScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_anomaly_score",
			Help:      "Z-score of the most recently detected anomaly.",
		},
	)

	// DetectionDegradedTotal counts evaluations that degraded to normal
	// because of a non-finite intermediate value.
	DetectionDegradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_degraded_total",
			Help:      "Total number of evaluations degraded to normal after a math failure.",
		},
	)

	// AlertsSentTotal counts successfully dispatched alerts.
	AlertsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Total number of alerts dispatched successfully.",
		},
	)

	// AlertsSuppressedTotal counts anomaly events suppressed by the cooldown window.
	AlertsSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Total number of anomaly events suppressed by deduplication.",
		},
	)

	// DispatchFailuresTotal counts failed dispatch attempts.
	DispatchFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Total number of failed alert dispatch attempts.",
		},
	)

	// CollectionErrorsTotal counts transient collector failures.
	CollectionErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_errors_total",
			Help:      "Total number of transient sample collection failures.",
		},
	)

	// TaskRunsTotal counts scheduler task executions by outcome.
	TaskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Total number of scheduled task executions by task and outcome.",
		},
		[]string{"task", "outcome"},
	)

	// TasksFailedTerminal is the number of tasks currently in the terminal failed state.
	TasksFailedTerminal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_failed_terminal",
			Help:      "Number of scheduled tasks in the terminal failed state.",
		},
	)

	// PersistenceErrorsTotal counts best-effort storage failures (logged, never fatal).
	PersistenceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Total number of best-effort persistence failures.",
		},
	)

	// DBQueryDurationSeconds times repository operations.
	DBQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"operation"},
	)

	// WebSocketConnectionsActive is current number of WebSocket clients.
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections_active",
			Help:      "Number of active WebSocket connections.",
		},
	)
)

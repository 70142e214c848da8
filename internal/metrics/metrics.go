// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rate limit decision outcomes.
const (
	OutcomeAllowed     = "allowed"
	OutcomeLimited     = "limited"
	OutcomeBlocked     = "blocked"
	OutcomeBlacklisted = "blacklisted"
	OutcomeWhitelisted = "whitelisted"
	OutcomeFailOpen    = "fail_open"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks current active connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of active connections",
		},
	)

	// RateLimitDecisionsTotal counts limiter decisions by profile and outcome.
	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"profile", "outcome"},
	)

	// ProgressiveBlocksTotal counts keys put into a progressive block.
	ProgressiveBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_progressive_blocks_total",
			Help: "Total number of progressive blocks started",
		},
		[]string{"profile"},
	)

	// MessagesValidatedTotal counts validated messages by result.
	MessagesValidatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_validated_total",
			Help: "Total number of validated chat messages",
		},
		[]string{"result"},
	)

	// MessagesSanitizedTotal counts messages that had markup stripped.
	MessagesSanitizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_sanitized_total",
			Help: "Total number of messages with markup removed",
		},
	)

	// MessagesSpamTotal counts messages flagged as spam.
	MessagesSpamTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_spam_flagged_total",
			Help: "Total number of messages flagged as potential spam",
		},
	)

	// SnapshotOperationsTotal counts snapshot saves and restores by result.
	SnapshotOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_snapshot_operations_total",
			Help: "Total number of rate limit snapshot operations",
		},
		[]string{"operation", "result"},
	)

	// SnapshotDuration measures snapshot store latency.
	SnapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimit_snapshot_duration_seconds",
			Help:    "Rate limit snapshot operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records an HTTP request metric.
func RecordRequest(method, path string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDecision records a rate limit decision.
func RecordDecision(profile, outcome string) {
	RateLimitDecisionsTotal.WithLabelValues(profile, outcome).Inc()
}

// RecordProgressiveBlock records the start of a progressive block.
func RecordProgressiveBlock(profile string) {
	ProgressiveBlocksTotal.WithLabelValues(profile).Inc()
}

// RecordValidation records a message validation result.
func RecordValidation(valid, sanitized, spam bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	MessagesValidatedTotal.WithLabelValues(result).Inc()
	if sanitized {
		MessagesSanitizedTotal.Inc()
	}
	if spam {
		MessagesSpamTotal.Inc()
	}
}

// RecordSnapshot records a snapshot operation.
func RecordSnapshot(operation string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	SnapshotOperationsTotal.WithLabelValues(operation, result).Inc()
	SnapshotDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

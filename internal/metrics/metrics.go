package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Ingestion and detection metrics
var (
	// SamplesIngested counts accepted cost samples by provider
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_samples_ingested_total",
			Help: "Total number of cost samples accepted into the store by provider",
		},
		[]string{"provider"},
	)

	// SampleValidationFailures counts samples rejected at the boundary
	SampleValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_sample_validation_failures_total",
			Help: "Total number of cost samples rejected by validation by provider",
		},
		[]string{"provider"},
	)

	// SourceFetchErrors counts transient billing feed failures
	SourceFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_source_fetch_errors_total",
			Help: "Total number of billing feed fetch failures by provider",
		},
		[]string{"provider"},
	)

	// AnomaliesDetected counts newly created anomalies by provider and severity
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_anomalies_detected_total",
			Help: "Total number of anomalies created by provider and severity",
		},
		[]string{"provider", "severity"},
	)

	// AnomaliesUpdated counts detections folded into an existing open anomaly
	AnomaliesUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cost_anomalies_updated_total",
			Help: "Total number of detections that updated an existing open anomaly instead of creating a new one",
		},
	)

	// AnomaliesResolved counts anomalies closed after costs returned to baseline
	AnomaliesResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cost_anomalies_resolved_total",
			Help: "Total number of anomalies resolved",
		},
	)

	// BaselineInsufficientData counts suppressed detections by provider
	BaselineInsufficientData = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_baseline_insufficient_data_total",
			Help: "Total number of detections suppressed because the baseline window had too few days",
		},
		[]string{"provider"},
	)

	// DetectionCycleDuration tracks how long one full poll-and-detect cycle takes
	DetectionCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cost_detection_cycle_duration_seconds",
			Help:    "Duration of one ingestion and detection cycle",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

// Action lifecycle metrics
var (
	// ActionsCreated counts proposed actions by type
	ActionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_actions_created_total",
			Help: "Total number of optimization actions proposed by action type",
		},
		[]string{"action_type"},
	)

	// ActionsAutoApproved counts actions that took the auto-approval path
	ActionsAutoApproved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cost_actions_auto_approved_total",
			Help: "Total number of actions auto-approved (trivial savings, low risk)",
		},
	)

	// ActionTransitions counts committed lifecycle transitions
	ActionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_action_transitions_total",
			Help: "Total number of committed action state transitions by from and to state",
		},
		[]string{"from", "to"},
	)

	// InvalidTransitions counts rejected lifecycle events
	InvalidTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_action_invalid_transitions_total",
			Help: "Total number of lifecycle events rejected as invalid by attempted event",
		},
		[]string{"event"},
	)

	// ActionsExpired counts actions expired by the timeout sweep
	ActionsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_actions_expired_total",
			Help: "Total number of actions expired by the SLA sweep by stage",
		},
		[]string{"stage"},
	)

	// ActionsByStatus tracks the current number of actions per status
	ActionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cost_actions_by_status",
			Help: "Current number of actions by status",
		},
		[]string{"status"},
	)
)

// Orchestration bridge metrics
var (
	// NotificationsSent counts successful outbound orchestrator notifications
	NotificationsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cost_orchestrator_notifications_sent_total",
			Help: "Total number of approval notifications delivered to the orchestrator",
		},
	)

	// NotificationAttemptFailures counts individual failed delivery attempts
	NotificationAttemptFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cost_orchestrator_notification_attempt_failures_total",
			Help: "Total number of failed orchestrator notification attempts (before retry)",
		},
	)

	// NotificationsUndeliverable counts notifications that exhausted all retries
	NotificationsUndeliverable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cost_orchestrator_notifications_undeliverable_total",
			Help: "Total number of notifications abandoned after exhausting retries",
		},
	)

	// CallbackResults counts inbound execution callbacks by result
	CallbackResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cost_orchestrator_callbacks_total",
			Help: "Total number of inbound execution callbacks by result (applied, duplicate, unknown, conflict)",
		},
		[]string{"result"},
	)
)

// Helper functions for common metric operations

// RecordSampleIngested increments the accepted sample counter
func RecordSampleIngested(provider string) {
	SamplesIngested.WithLabelValues(provider).Inc()
}

// RecordSampleRejected increments the validation failure counter
func RecordSampleRejected(provider string) {
	SampleValidationFailures.WithLabelValues(provider).Inc()
}

// RecordSourceFetchError increments the feed failure counter
func RecordSourceFetchError(provider string) {
	SourceFetchErrors.WithLabelValues(provider).Inc()
}

// RecordAnomalyDetected increments the anomaly counter
func RecordAnomalyDetected(provider, severity string) {
	AnomaliesDetected.WithLabelValues(provider, severity).Inc()
}

// RecordAnomalyUpdated increments the dedup update counter
func RecordAnomalyUpdated() {
	AnomaliesUpdated.Inc()
}

// RecordAnomalyResolved increments the resolved counter
func RecordAnomalyResolved() {
	AnomaliesResolved.Inc()
}

// RecordInsufficientData increments the suppressed detection counter
func RecordInsufficientData(provider string) {
	BaselineInsufficientData.WithLabelValues(provider).Inc()
}

// RecordDetectionCycle records the duration of one detection cycle
func RecordDetectionCycle(duration time.Duration) {
	DetectionCycleDuration.Observe(duration.Seconds())
}

// RecordActionCreated increments the action creation counter
func RecordActionCreated(actionType string) {
	ActionsCreated.WithLabelValues(actionType).Inc()
}

// RecordAutoApproval increments the auto-approval counter
func RecordAutoApproval() {
	ActionsAutoApproved.Inc()
}

// RecordTransition increments the transition counter and moves the status gauges
func RecordTransition(from, to string) {
	ActionTransitions.WithLabelValues(from, to).Inc()
	if from != "" {
		ActionsByStatus.WithLabelValues(from).Dec()
	}
	if to != "" {
		ActionsByStatus.WithLabelValues(to).Inc()
	}
}

// RecordInvalidTransition increments the invalid transition counter
func RecordInvalidTransition(event string) {
	InvalidTransitions.WithLabelValues(event).Inc()
}

// RecordActionExpired increments the expiry counter
func RecordActionExpired(stage string) {
	ActionsExpired.WithLabelValues(stage).Inc()
}

// RecordNotificationSent increments the delivery counter
func RecordNotificationSent() {
	NotificationsSent.Inc()
}

// RecordNotificationAttemptFailure increments the per-attempt failure counter
func RecordNotificationAttemptFailure() {
	NotificationAttemptFailures.Inc()
}

// RecordNotificationUndeliverable increments the exhausted-retries counter
func RecordNotificationUndeliverable() {
	NotificationsUndeliverable.Inc()
}

// RecordCallbackResult increments the inbound callback counter.
// result should be "applied", "duplicate", "unknown", or "conflict".
func RecordCallbackResult(result string) {
	CallbackResults.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// StatusCount holds the count of actions for one status
type StatusCount struct {
	Status string
	Count  int
}

// InitializeActionMetrics populates the status gauges from database state on
// startup so transitions never drive a gauge negative.
func InitializeActionMetrics(counts []StatusCount) {
	for _, c := range counts {
		ActionsByStatus.WithLabelValues(c.Status).Set(float64(c.Count))
	}
}

package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the broker.
// These metrics can be scraped by Prometheus and visualized in Grafana
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "careline_ws_connections_total",
		Help: "Total number of WebSocket connections registered",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "careline_ws_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	connectionsAuthenticated = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "careline_ws_connections_authenticated",
		Help: "Current number of authenticated connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_ws_connections_rejected_total",
		Help: "Connection and admission rejections by reason",
	}, []string{"reason"})

	connectionRateLimits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_ws_connection_rate_limits_total",
		Help: "Connection attempts rejected by the rate limiter",
	}, []string{"scope"})

	evictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_ws_evictions_total",
		Help: "Connection evictions by reason",
	}, []string{"reason"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "careline_ws_connection_duration_seconds",
		Help:    "Connection duration before eviction",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Authentication and subscriptions
	authenticationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_ws_authentications_total",
		Help: "Authentication attempts by result",
	}, []string{"result"})

	subscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "careline_ws_subscriptions_active",
		Help: "Current number of (connection, topic) subscriptions",
	})

	subscriptionsDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "careline_ws_subscriptions_denied_total",
		Help: "Subscribe attempts rejected by topic validation or permissions",
	})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "careline_ws_messages_sent_total",
		Help: "Total number of messages delivered to connections",
	})

	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_ws_messages_received_total",
		Help: "Inbound messages by type",
	}, []string{"type"})

	sendRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "careline_ws_send_retries_total",
		Help: "Send attempts retried after a transient failure",
	})

	sendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "careline_ws_send_failures_total",
		Help: "Sends that exhausted their retries",
	})

	broadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "careline_ws_broadcast_fanout",
		Help:    "Number of target connections per broadcast",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "careline_ws_rate_limited_messages_total",
		Help: "Inbound messages dropped by the per-connection rate limiter",
	})

	// Recovery
	recoveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_ws_recovery_attempts_total",
		Help: "Recovery probes by result",
	}, []string{"result"})

	// Collaborators
	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "careline_ws_audit_dropped_total",
		Help: "Audit events dropped because the audit queue was full",
	})

	ingestEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_ws_ingest_events_total",
		Help: "Backend events consumed by source and result",
	}, []string{"source", "result"})

	panicsRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careline_ws_panics_recovered_total",
		Help: "Goroutine panics recovered by goroutine name",
	}, []string{"goroutine"})

	// System
	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "careline_ws_cpu_usage_percent",
		Help: "Host CPU usage percent",
	})

	memoryUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "careline_ws_memory_used_bytes",
		Help: "Resident memory of the server process",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "careline_ws_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		connectionsAuthenticated,
		connectionsRejected,
		connectionRateLimits,
		evictionsTotal,
		connectionDuration,
		authenticationsTotal,
		subscriptionsActive,
		subscriptionsDenied,
		messagesSent,
		messagesReceived,
		sendRetries,
		sendFailures,
		broadcastFanout,
		rateLimitedMessages,
		recoveryAttempts,
		auditDropped,
		ingestEvents,
		panicsRecovered,
		cpuUsagePercent,
		memoryUsedBytes,
		goroutinesActive,
	)
}

func RecordConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func RecordConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

func IncrementConnectionRateLimit(scope string) {
	connectionRateLimits.WithLabelValues(scope).Inc()
}

// RecordEviction tracks one eviction. Duration is the connection's lifetime.
func RecordEviction(reason string, wasAuthenticated bool, duration time.Duration) {
	connectionsActive.Dec()
	if wasAuthenticated {
		connectionsAuthenticated.Dec()
	}
	evictionsTotal.WithLabelValues(reason).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

func RecordAuthentication(result string) {
	authenticationsTotal.WithLabelValues(result).Inc()
	if result == "success" {
		connectionsAuthenticated.Inc()
	}
}

func SetSubscriptions(n int) {
	subscriptionsActive.Set(float64(n))
}

func IncrementSubscriptionDenied() {
	subscriptionsDenied.Inc()
}

func IncrementMessagesSent() {
	messagesSent.Inc()
}

func IncrementMessagesReceived(msgType string) {
	messagesReceived.WithLabelValues(msgType).Inc()
}

func IncrementSendRetries() {
	sendRetries.Inc()
}

func IncrementSendFailures() {
	sendFailures.Inc()
}

func ObserveBroadcastFanout(targets int) {
	broadcastFanout.Observe(float64(targets))
}

func IncrementRateLimitedMessages() {
	rateLimitedMessages.Inc()
}

func RecordRecoveryAttempt(result string) {
	recoveryAttempts.WithLabelValues(result).Inc()
}

func IncrementAuditDropped() {
	auditDropped.Inc()
}

func RecordIngestEvent(source, result string) {
	ingestEvents.WithLabelValues(source, result).Inc()
}

func RecordPanic(goroutine string) {
	panicsRecovered.WithLabelValues(goroutine).Inc()
}

// UpdateSystemMetrics publishes a system sample to the gauges.
func UpdateSystemMetrics(s SystemSample) {
	cpuUsagePercent.Set(s.CPUPercent)
	memoryUsedBytes.Set(float64(s.ProcessRSS))
	goroutinesActive.Set(float64(s.Goroutines))
}

// HandleMetrics serves Prometheus metrics
func HandleMetrics() http.Handler {
	return promhttp.Handler()
}

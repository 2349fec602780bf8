// Package metrics exposes the engine's prometheus counters, gauges, and
// histograms, keyed by the queue/source/site tuples named in spec.md §6.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reception / delivery lifecycle.
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kumo_messages_received_total",
		Help: "Total number of messages admitted into the spool",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kumo_messages_delivered_total",
		Help: "Total number of messages delivered successfully",
	})

	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kumo_messages_rejected_total",
		Help: "Total number of messages rejected prior to spooling",
	}, []string{"reason"})

	MessagesBounced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kumo_messages_bounced_total",
		Help: "Total number of messages that bounced, by reason class",
	}, []string{"reason"})

	MessagesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kumo_messages_expired_total",
		Help: "Total number of messages that exceeded expires_at",
	})

	// Delivery attempt outcomes.
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kumo_delivery_duration_seconds",
		Help:    "Time taken for one delivery attempt, by queue",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"queue"})

	DeliveryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kumo_delivery_retries_total",
		Help: "Total number of delivery retry attempts, by queue",
	}, []string{"queue"})

	// Scheduled / ready queue depth.
	ScheduledQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kumo_scheduled_queue_depth",
		Help: "Current number of messages held in a scheduled queue",
	}, []string{"queue"})

	ReadyQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kumo_ready_queue_depth",
		Help: "Current number of messages held in a ready queue",
	}, []string{"queue", "site"})

	// DNS resolver, named exactly per spec.md §6.
	DNSMXResolveInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dns_mx_resolve_in_progress",
		Help: "Number of MX resolutions currently in flight",
	})

	DNSMXResolveStatusOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_mx_resolve_status_ok",
		Help: "Total successful MX resolutions",
	})

	DNSMXResolveStatusFail = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dns_mx_resolve_status_fail",
		Help: "Total failed MX resolutions by failure class",
	}, []string{"reason"})

	DNSMXResolveCacheHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_mx_resolve_cache_hit",
		Help: "Total MX resolutions served from cache",
	})

	DNSMXResolveCacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dns_mx_resolve_cache_miss",
		Help: "Total MX resolutions that missed cache",
	})

	// Connections, leases, throttling.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kumo_active_connections",
		Help: "Number of open outbound SMTP/LMTP connections",
	}, []string{"source", "site"})

	TotalConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kumo_connections_total",
		Help: "Total outbound connections attempted",
	}, []string{"source", "site"})

	LeaseAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kumo_lease_acquisitions_total",
		Help: "Total connection-lease acquisitions, by scope and outcome",
	}, []string{"scope", "outcome"})

	ThrottleRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kumo_throttle_rejections_total",
		Help: "Total deliveries delayed due to a throttle, by key",
	}, []string{"key"})

	MemoryLimitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kumo_memory_limit_state",
		Help: "1 if the process is currently over its configured memory limit, else 0",
	})

	// Administrative actions.
	AdminActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kumo_admin_actions_total",
		Help: "Total admin-control operations invoked, by kind",
	}, []string{"action"})

	// System.
	Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kumo_uptime_seconds",
		Help: "Engine uptime in seconds",
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kumo_errors_total",
		Help: "Total errors by component and error kind",
	}, []string{"component", "kind"})
)

// RecordDelivery records a delivery attempt's duration for queue.
func RecordDelivery(queue string, success bool, durationSeconds float64) {
	DeliveryDuration.WithLabelValues(queue).Observe(durationSeconds)
	if success {
		MessagesSent.Inc()
	}
}

// RecordRejection records a pre-spool rejection with reason.
func RecordRejection(reason string) {
	MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordBounce records a permanent-failure bounce by reason class.
func RecordBounce(reason string) {
	MessagesBounced.WithLabelValues(reason).Inc()
}

// RecordConnection records a new outbound connection for (source, site).
func RecordConnection(source, site string) {
	ActiveConnections.WithLabelValues(source, site).Inc()
	TotalConnections.WithLabelValues(source, site).Inc()
}

// ReleaseConnection records an outbound connection closing.
func ReleaseConnection(source, site string) {
	ActiveConnections.WithLabelValues(source, site).Dec()
}

// RecordLease records the outcome of a connection-lease acquisition attempt.
func RecordLease(scope, outcome string) {
	LeaseAcquisitions.WithLabelValues(scope, outcome).Inc()
}

// RecordThrottleRejection records that delivery was delayed by the named
// throttle key.
func RecordThrottleRejection(key string) {
	ThrottleRejections.WithLabelValues(key).Inc()
}

// RecordAdminAction records an admin-control operation.
func RecordAdminAction(action string) {
	AdminActions.WithLabelValues(action).Inc()
}

// RecordError records an error by component and kind.
func RecordError(component, kind string) {
	Errors.WithLabelValues(component, kind).Inc()
}

// SetMemoryLimitState reports whether the process is currently over its
// configured memory limit.
func SetMemoryLimitState(over bool) {
	if over {
		MemoryLimitState.Set(1)
		return
	}
	MemoryLimitState.Set(0)
}

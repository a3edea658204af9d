// Package metrics holds the Prometheus collectors exported by AutoShield
// and the helpers that record into them.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoshield_events_processed_total",
		Help: "Security events processed by event type and threat tier.",
	}, []string{"event_type", "tier"})

	eventsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autoshield_events_rejected_total",
		Help: "Security events rejected by validation.",
	})

	threatScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoshield_threat_score",
		Help:    "Distribution of assessed threat scores.",
		Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	actionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoshield_action_outcomes_total",
		Help: "Dispatched actions by action kind and outcome status.",
	}, []string{"action", "status"})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoshield_tool_calls_total",
		Help: "Remote tool invocations by tool and result.",
	}, []string{"tool", "result"})

	toolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autoshield_tool_call_duration_seconds",
		Help:    "Remote tool invocation latency in seconds.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"tool"})

	toolConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoshield_tool_connect_attempts_total",
		Help: "Tool endpoint connection attempts by result.",
	}, []string{"result"})

	toolConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autoshield_tool_connected",
		Help: "1 when a tool endpoint session is established, else 0.",
	})

	toolHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoshield_tool_health_checks_total",
		Help: "Tool endpoint ping probes by result.",
	}, []string{"result"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoshield_notifications_total",
		Help: "Report deliveries by notifier kind and status.",
	}, []string{"kind", "status"})

	historySources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autoshield_history_sources",
		Help: "Number of sources with retained history.",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoshield_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autoshield_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordEvent records a processed event and its score.
func RecordEvent(eventType, tier string, score int) {
	eventsProcessedTotal.WithLabelValues(eventType, tier).Inc()
	threatScore.Observe(float64(score))
}

// RecordRejectedEvent records an event that failed validation.
func RecordRejectedEvent() { eventsRejectedTotal.Inc() }

// RecordOutcome records one dispatched action.
func RecordOutcome(action, status string) {
	actionOutcomesTotal.WithLabelValues(action, status).Inc()
}

// RecordToolCall records a tool invocation. outcome is "ok" or an error kind.
func RecordToolCall(tool, outcome string, d time.Duration) {
	toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	toolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordConnectAttempt records a tool endpoint connection attempt.
func RecordConnectAttempt(success bool) {
	toolConnectAttemptsTotal.WithLabelValues(result(success)).Inc()
}

// SetToolConnected sets the connection gauge.
func SetToolConnected(connected bool) {
	if connected {
		toolConnected.Set(1)
	} else {
		toolConnected.Set(0)
	}
}

// RecordHealthCheck records a tool endpoint ping result.
func RecordHealthCheck(success bool) {
	toolHealthChecksTotal.WithLabelValues(result(success)).Inc()
}

// RecordNotification records a report delivery attempt.
func RecordNotification(kind string, success bool) {
	notificationsTotal.WithLabelValues(kind, result(success)).Inc()
}

// SetHistorySources sets the retained-source gauge.
func SetHistorySources(n int) { historySources.Set(float64(n)) }

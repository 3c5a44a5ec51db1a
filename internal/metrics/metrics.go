// Package metrics provides Prometheus instrumentation for escrowd.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrowd"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// WebhookEventsTotal counts gateway webhook deliveries by outcome
	// (funded, duplicate, ignored, rejected, unavailable).
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Gateway webhook deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	// GatewayVerifyDuration observes the latency of gateway verify calls.
	GatewayVerifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "verify_duration_seconds",
			Help:      "Gateway transaction verification latency in seconds.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "result"},
	)

	// EscrowTransitionsTotal counts committed escrow status changes.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "transitions_total",
			Help:      "Committed escrow status transitions by from and to state.",
		},
		[]string{"from", "to"},
	)

	// EscrowRejectionsTotal counts settlement requests refused by a guard.
	EscrowRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "rejections_total",
			Help:      "Settlement requests rejected by operation and reason.",
		},
		[]string{"operation", "reason"},
	)

	// ReleasedAmountTotal accumulates minor units disbursed to sellers.
	ReleasedAmountTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "released_amount_minor_total",
		Help:      "Total minor units disbursed to sellers.",
	})

	// PlatformFeeTotal accumulates platform fees retained on release.
	PlatformFeeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "platform_fee_minor_total",
		Help:      "Total platform fees retained in minor units.",
	})

	// ProblemReportsTotal counts buyer problem reports.
	ProblemReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "order",
		Name:      "problem_reports_total",
		Help:      "Total buyer problem reports filed.",
	})

	// EscrowTimeToSettle observes time from funding to a terminal status.
	EscrowTimeToSettle = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "time_to_settle_seconds",
		Help:      "Time from funding to release or refund in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 30 * 86400},
	})

	// NotificationsTotal counts notification emails by result
	// (sent, queued, retried, dead, dropped).
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "emails_total",
			Help:      "Notification emails by template and result.",
		},
		[]string{"template", "result"},
	)

	// NotifyQueueDepth tracks pending jobs seen on the last worker sweep.
	NotifyQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "queue_depth",
		Help:      "Pending notification jobs at last worker sweep.",
	})

	// CircuitTransitionsTotal counts circuit breaker state changes.
	CircuitTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
	}, []string{"key", "from_state", "to_state"})

	// ActiveWebSocketClients tracks connected admin feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WebhookEventsTotal,
		GatewayVerifyDuration,
		EscrowTransitionsTotal,
		EscrowRejectionsTotal,
		ReleasedAmountTotal,
		PlatformFeeTotal,
		ProblemReportsTotal,
		EscrowTimeToSettle,
		NotificationsTotal,
		NotifyQueueDepth,
		CircuitTransitionsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Route pattern, not raw path, to bound label cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

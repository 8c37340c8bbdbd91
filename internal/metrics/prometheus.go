// Package metrics provides Prometheus metrics collection for the session gateway
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessiongate"

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)

	httpRequestsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
		[]string{"service"},
	)
)

// Token coordinator metrics
var (
	tokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Total number of refresh flights against the token issuer",
		},
		[]string{"outcome"}, // outcome: success, reauth, failure, timeout, store
	)

	tokenCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_total",
			Help:      "Token cache lookups",
		},
		[]string{"result"}, // result: hit, miss, stale
	)
)

// Proxy metrics
var (
	proxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of requests forwarded to remote APIs",
		},
		[]string{"api", "status"},
	)

	proxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_request_duration_seconds",
			Help:      "Remote API round trip latency in seconds, retries included",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"api"},
	)
)

// Session lifecycle metrics
var (
	csrfRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_rejections_total",
			Help:      "Requests rejected for a missing anti-forgery header",
		},
	)

	sessionsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Expired session records removed by the sweeper",
		},
	)

	backchannelLogoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backchannel_logouts_total",
			Help:      "Back-channel logout notifications processed",
		},
		[]string{"outcome"}, // outcome: deleted, noop, invalid, error
	)

	sessionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events",
		},
		[]string{"event"}, // event: created, replaced, renewed, logout
	)
)

// Middleware returns a Gin middleware that records HTTP metrics.
// serviceName is used as the "service" label on all metrics.
func Middleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		// Skip metrics endpoint itself to avoid recursion
		if path == "/metrics" {
			c.Next()
			return
		}

		httpRequestsInFlight.WithLabelValues(serviceName).Inc()
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(serviceName, c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(serviceName, c.Request.Method, path).Observe(time.Since(start).Seconds())
		httpRequestsInFlight.WithLabelValues(serviceName).Dec()
	}
}

// Handler returns a gin.HandlerFunc that serves Prometheus metrics.
// Register this on the "/metrics" route.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordTokenRefresh records the outcome of one refresh flight
func RecordTokenRefresh(outcome string) {
	tokenRefreshTotal.WithLabelValues(outcome).Inc()
}

// RecordTokenCache records a token cache lookup
func RecordTokenCache(result string) {
	tokenCacheTotal.WithLabelValues(result).Inc()
}

// RecordProxyRequest records a forwarded request and its final status
func RecordProxyRequest(api string, status int, duration time.Duration) {
	proxyRequestsTotal.WithLabelValues(api, strconv.Itoa(status)).Inc()
	proxyRequestDuration.WithLabelValues(api).Observe(duration.Seconds())
}

// RecordCSRFRejection counts a request rejected by the anti-forgery guard
func RecordCSRFRejection() {
	csrfRejectionsTotal.Inc()
}

// RecordSessionsSwept adds to the swept sessions counter
func RecordSessionsSwept(n int) {
	if n > 0 {
		sessionsSweptTotal.Add(float64(n))
	}
}

// RecordBackchannelLogout records a back-channel logout outcome
func RecordBackchannelLogout(outcome string) {
	backchannelLogoutsTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionEvent records a session lifecycle event
func RecordSessionEvent(event string) {
	sessionEventsTotal.WithLabelValues(event).Inc()
}

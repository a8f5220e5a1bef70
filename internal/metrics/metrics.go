// Package metrics exposes the Prometheus metrics scraped off the adapter's
// /metrics endpoint: request volume and latency, tool-call outcomes, cache
// effectiveness, token-refresh activity, and admission rejections.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests handled by the network transport.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectbridge_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "projectbridge_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ToolCalls counts tool invocations by outcome (ok, invalid-params,
	// upstream-rejected, ...) — the rpcerr.Kind string, or "ok".
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectbridge_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	// ToolCallDuration tracks tool handler latency, upstream round trips
	// included.
	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "projectbridge_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// CacheLookups counts response-cache lookups by outcome (hit, miss,
	// bypass for mutating tools).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectbridge_cache_lookups_total",
			Help: "Total number of response cache lookups",
		},
		[]string{"tool", "outcome"},
	)

	// TokenRefreshes counts OAuth access-token refresh attempts by outcome
	// (ok, rejected, transient). Non-lease-holders that wait for another
	// refresher are not counted.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectbridge_token_refreshes_total",
			Help: "Total number of upstream OAuth token refresh attempts",
		},
		[]string{"outcome"},
	)

	// UpstreamCalls counts outbound calls to the upstream REST APIs by
	// upstream name and outcome.
	UpstreamCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectbridge_upstream_calls_total",
			Help: "Total number of upstream API calls",
		},
		[]string{"upstream", "outcome"},
	)

	// AdmissionRejections counts requests rejected at the gate by reason,
	// the rpcerr.Kind string (unauthorised, forbidden, rate-limited).
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectbridge_admission_rejections_total",
			Help: "Total number of requests rejected by the admission gate",
		},
		[]string{"reason"},
	)

	// WebhookDeliveries counts inbound webhook deliveries by outcome
	// (processed, rejected, ignored, failed).
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projectbridge_webhook_deliveries_total",
			Help: "Total number of inbound webhook deliveries",
		},
		[]string{"outcome"},
	)
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher so streamed responses aren't buffered away.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count and latency for every request that
// passes through the network transport's mux.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath collapses the adapter's small, fixed set of routes to avoid
// label cardinality explosions from unexpected paths.
func normalizePath(path string) string {
	switch path {
	case "/healthz", "/rpc", "/webhooks", "/metrics", "/manifest":
		return path
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordToolCall records a tool invocation outcome and its duration.
func RecordToolCall(tool, status string, durationSeconds float64) {
	ToolCalls.WithLabelValues(tool, status).Inc()
	ToolCallDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordCacheLookup records a response-cache lookup outcome.
func RecordCacheLookup(tool, outcome string) {
	CacheLookups.WithLabelValues(tool, outcome).Inc()
}

// RecordTokenRefresh records an OAuth token refresh attempt outcome.
func RecordTokenRefresh(outcome string) {
	TokenRefreshes.WithLabelValues(outcome).Inc()
}

// RecordUpstreamCall records an outbound upstream API call outcome.
func RecordUpstreamCall(upstream, outcome string) {
	UpstreamCalls.WithLabelValues(upstream, outcome).Inc()
}

// RecordAdmissionRejection records a request rejected at the admission gate.
func RecordAdmissionRejection(reason string) {
	AdmissionRejections.WithLabelValues(reason).Inc()
}

// RecordWebhookDelivery records an inbound webhook delivery outcome.
func RecordWebhookDelivery(outcome string) {
	WebhookDeliveries.WithLabelValues(outcome).Inc()
}

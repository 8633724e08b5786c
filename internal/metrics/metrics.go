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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_jobs_enqueued_total",
			Help: "Total delivery jobs enqueued by channel",
		},
		[]string{"channel"},
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_delivery_attempts_total",
			Help: "Total delivery attempts by outcome, channel and provider",
		},
		[]string{"outcome", "channel", "provider"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_send_duration_seconds",
			Help:    "Provider send call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel", "provider"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_latency_seconds",
			Help:    "Time from job creation to terminal delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_queue_depth",
			Help: "Jobs buffered in the delivery queue, eligible or not",
		},
	)

	preferenceBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_preference_blocks_total",
			Help: "Deliveries denied by the preference filter, by reason",
		},
		[]string{"reason", "channel"},
	)

	providerThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_provider_throttled_total",
			Help: "Sends deferred because the provider token bucket was empty",
		},
		[]string{"channel", "provider"},
	)

	providerHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_provider_health",
			Help: "Provider health state (0 healthy, 1 degraded, 2 disabled)",
		},
		[]string{"provider"},
	)

	deadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dead_lettered_total",
			Help: "Jobs moved to the dead letter state by channel",
		},
		[]string{"channel"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "API requests rejected by the tenant rate limiter",
		},
		[]string{"tenant_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobEnqueued records a job entering the delivery queue
func RecordJobEnqueued(channel string) {
	jobsEnqueued.WithLabelValues(channel).Inc()
}

// RecordAttempt records the outcome of one delivery attempt
func RecordAttempt(outcome, channel, provider string) {
	attemptsTotal.WithLabelValues(outcome, channel, provider).Inc()
}

// RecordSendDuration records the latency of one provider send call
func RecordSendDuration(channel, provider string, d time.Duration) {
	sendDuration.WithLabelValues(channel, provider).Observe(d.Seconds())
}

// RecordDeliveryLatency records time from job creation to delivery
func RecordDeliveryLatency(channel string, d time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(d.Seconds())
}

// SetQueueDepth sets the current delivery queue depth
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordPreferenceBlock records a delivery denied by the preference filter
func RecordPreferenceBlock(reason, channel string) {
	preferenceBlocks.WithLabelValues(reason, channel).Inc()
}

// RecordThrottled records a send deferred by provider rate limiting
func RecordThrottled(channel, provider string) {
	providerThrottled.WithLabelValues(channel, provider).Inc()
}

// SetProviderHealth records a provider health transition
func SetProviderHealth(provider string, state int) {
	providerHealth.WithLabelValues(provider).Set(float64(state))
}

// RecordDeadLettered records a job reaching the dead letter state
func RecordDeadLettered(channel string) {
	deadLettered.WithLabelValues(channel).Inc()
}

// RecordIdempotencyHit records a request served from the idempotency cache
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records an API request rejected by the rate limiter
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

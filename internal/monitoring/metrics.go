package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Webhook relay metrics
	WebhookLatency  *prometheus.HistogramVec
	WebhookRequests *prometheus.CounterVec

	// Business metrics
	ExecutionsTotal  *prometheus.CounterVec
	PaymentsTotal    *prometheus.CounterVec
	WalletCredited   prometheus.Counter
	WalletDebited    prometheus.Counter
	RateLimitHits    prometheus.Counter

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_latency_seconds",
				Help:    "Outbound agent webhook latency in seconds",
				Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"agent_slug"},
		),
		WebhookRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_requests_total",
				Help: "Total number of outbound agent webhook calls",
			},
			[]string{"agent_slug", "status"},
		),

		ExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_executions_total",
				Help: "Total number of agent executions",
			},
			[]string{"agent_slug", "status"},
		),
		PaymentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_total",
				Help: "Total number of payments",
			},
			[]string{"status"},
		),
		WalletCredited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_credited_usd_total",
				Help: "Total USD credited to wallets",
			},
		),
		WalletDebited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_debited_usd_total",
				Help: "Total USD debited from wallets",
			},
		),
		RateLimitHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
			},
			[]string{"host"},
		),
	}

	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if metrics == nil {
		return Init()
	}
	return metrics
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordWebhookCall records one outbound webhook call
func RecordWebhookCall(agentSlug, status string, duration time.Duration) {
	Get().WebhookRequests.WithLabelValues(agentSlug, status).Inc()
	Get().WebhookLatency.WithLabelValues(agentSlug).Observe(duration.Seconds())
}

// RecordExecution records an execution outcome
func RecordExecution(agentSlug, status string) {
	Get().ExecutionsTotal.WithLabelValues(agentSlug, status).Inc()
}

// RecordPayment records a payment outcome
func RecordPayment(status string) {
	Get().PaymentsTotal.WithLabelValues(status).Inc()
}

// RecordWalletCredit records USD credited to a wallet
func RecordWalletCredit(amount float64) {
	Get().WalletCredited.Add(amount)
}

// RecordWalletDebit records USD debited from a wallet
func RecordWalletDebit(amount float64) {
	Get().WalletDebited.Add(amount)
}

// RecordRateLimitHit records a rate limit hit
func RecordRateLimitHit() {
	Get().RateLimitHits.Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(host string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(host).Set(state)
}

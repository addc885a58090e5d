package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Entitlement engine metrics.
	EntitlementResolutions *prometheus.CounterVec
	ResolverDegradations   prometheus.Counter
	CreditSpendDenied      prometheus.Counter
	BillingSyncFailures    prometheus.Counter
	SessionStarts          *prometheus.CounterVec
}

// New creates and registers the service metrics with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klarpost_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klarpost_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "klarpost_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served.",
		}),
		EntitlementResolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klarpost_entitlement_resolutions_total",
			Help: "Plan resolutions by source (override, billing, free).",
		}, []string{"source"}),
		ResolverDegradations: factory.NewCounter(prometheus.CounterOpts{
			Name: "klarpost_entitlement_resolver_degradations_total",
			Help: "Resolutions that fell back to the free plan due to store errors.",
		}),
		CreditSpendDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "klarpost_credit_spend_denied_total",
			Help: "Credit spends rejected for insufficient balance.",
		}),
		BillingSyncFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "klarpost_billing_sync_failures_total",
			Help: "Billing provider sync calls that failed.",
		}),
		SessionStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "klarpost_ai_session_starts_total",
			Help: "AI session start attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// NewDefault creates metrics registered with the default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

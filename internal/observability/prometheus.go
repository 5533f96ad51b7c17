package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exported at /metrics. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	oauthOutcomes  *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	upstreamCalls  *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		oauthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storelink",
			Name:      "oauth_callbacks_total",
			Help:      "OAuth callbacks by terminal stage and reason.",
		}, []string{"stage", "reason"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storelink",
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts by result.",
		}, []string{"result"}),
		upstreamCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storelink",
			Name:      "salla_request_duration_seconds",
			Help:      "Latency of Salla API and token endpoint calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),
	}

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.oauthOutcomes,
		m.tokenRefreshes,
		m.upstreamCalls,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OAuthCallback(stage, reason string) {
	if m == nil {
		return
	}
	m.oauthOutcomes.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) TokenRefresh(result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

// ObserveUpstream records one upstream call. status is the HTTP status code,
// or 0 when no response was received.
func (m *Metrics) ObserveUpstream(endpoint string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.upstreamCalls.WithLabelValues(endpoint, label).Observe(elapsed.Seconds())
}

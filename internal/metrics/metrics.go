package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "coderider"
	subsystem = "gateway"
)

// Metrics owns a private registry so several gateways can live in one
// process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamDuration *prometheus.HistogramVec
	upstreamErrors   *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	repairsTotal     *prometheus.CounterVec
	configFetches    *prometheus.CounterVec
}

// New registers all gateway collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method", "endpoint"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "upstream_duration_seconds",
				Help:      "Upstream chat call duration in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model", "outcome"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "upstream_errors_total",
				Help:      "Total upstream call failures",
			},
			[]string{"model", "error_type"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tokens_total",
				Help:      "Tokens reported by the upstream",
			},
			[]string{"model", "type"},
		),
		repairsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reshape_repairs_total",
				Help:      "Repairs applied to malformed upstream responses",
			},
			[]string{"model", "kind"},
		),
		configFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "models_config_fetch_total",
				Help:      "Upstream model configuration fetches",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.upstreamDuration,
		m.upstreamErrors,
		m.tokensTotal,
		m.repairsTotal,
		m.configFetches,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(method, endpoint string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

// ObserveUpstream records one upstream chat call. errorType is empty on success.
func (m *Metrics) ObserveUpstream(model, errorType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if errorType != "" {
		outcome = "error"
		m.upstreamErrors.WithLabelValues(model, errorType).Inc()
	}
	m.upstreamDuration.WithLabelValues(model, outcome).Observe(elapsed.Seconds())
}

// AddTokens records usage reported by the upstream.
func (m *Metrics) AddTokens(model string, prompt, completion int) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.tokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.tokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

// AddRepairs records reshaper repairs of one kind.
func (m *Metrics) AddRepairs(model, kind string, n int) {
	if m == nil {
		return
	}
	if n > 0 {
		m.repairsTotal.WithLabelValues(model, kind).Add(float64(n))
	}
}

// ObserveConfigFetch records a model configuration fetch.
func (m *Metrics) ObserveConfigFetch(ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.configFetches.WithLabelValues(status).Inc()
}

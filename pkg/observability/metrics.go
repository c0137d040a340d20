package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Plugin call metrics
	PluginCallsTotal      *prometheus.CounterVec
	PluginCallDuration    *prometheus.HistogramVec
	PluginCallErrorsTotal *prometheus.CounterVec

	// Lifecycle metrics
	InstallsTotal    *prometheus.CounterVec
	PluginsInstalled *prometheus.GaugeVec
	CircuitOpen      *prometheus.GaugeVec

	// Sandbox metrics
	CapabilityDenialsTotal *prometheus.CounterVec

	// Cache metrics
	CacheSizeBytes *prometheus.GaugeVec

	// Admin HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		PluginCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughost_plugin_calls_total",
				Help: "Total number of plugin calls",
			},
			[]string{"plugin", "type", "status"},
		),
		PluginCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plughost_plugin_call_duration_seconds",
				Help:    "Plugin call duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"plugin", "type"},
		),
		PluginCallErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughost_plugin_call_errors_total",
				Help: "Total number of failed plugin calls by error category",
			},
			[]string{"plugin", "type", "category"},
		),

		InstallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughost_installs_total",
				Help: "Total number of plugin installs",
			},
			[]string{"status"},
		),
		PluginsInstalled: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plughost_plugins",
				Help: "Number of registered plugins by state",
			},
			[]string{"state"},
		),
		CircuitOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plughost_circuit_open",
				Help: "1 while a remote plugin's circuit is open",
			},
			[]string{"plugin"},
		),

		CapabilityDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughost_capability_denials_total",
				Help: "Total number of sandbox host calls denied by capability",
			},
			[]string{"plugin", "capability"},
		),

		CacheSizeBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plughost_cache_size_bytes",
				Help: "Current plugin cache size in bytes",
			},
			[]string{"cache_type"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughost_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plughost_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.PluginCallsTotal,
		m.PluginCallDuration,
		m.PluginCallErrorsTotal,
		m.InstallsTotal,
		m.PluginsInstalled,
		m.CircuitOpen,
		m.CapabilityDenialsTotal,
		m.CacheSizeBytes,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// ObserveCall records one plugin call. category is empty on success.
func (m *Metrics) ObserveCall(plugin, pluginType string, d time.Duration, category string) {
	status := "ok"
	if category != "" {
		status = "error"
		m.PluginCallErrorsTotal.WithLabelValues(plugin, pluginType, category).Inc()
	}
	m.PluginCallsTotal.WithLabelValues(plugin, pluginType, status).Inc()
	m.PluginCallDuration.WithLabelValues(plugin, pluginType).Observe(d.Seconds())
}

// SetCircuit records a remote plugin's circuit state.
func (m *Metrics) SetCircuit(plugin string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitOpen.WithLabelValues(plugin).Set(v)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// route maps a request to a low-cardinality path label; nil uses the URL
// path.
func HTTPMetricsMiddleware(metrics *Metrics, route func(*http.Request) string) func(http.Handler) http.Handler {
	if route == nil {
		route = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := route(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

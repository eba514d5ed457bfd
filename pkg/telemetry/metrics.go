package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for orchestration runs. A nil or
// disabled Metrics is safe to call; every recording method no-ops.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec

	platformCalls    *prometheus.CounterVec
	resourcesCreated *prometheus.CounterVec
	pollCycles       *prometheus.CounterVec
	errorsByKind     *prometheus.CounterVec
}

// NewMetrics creates a metrics collector. When disabled, a no-op instance is
// returned.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of orchestration runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of orchestration runs completed",
		}, []string{"status"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each orchestration phase in seconds",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"phase", "status"}),
		platformCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_calls_total",
			Help:      "Total number of platform API calls",
		}, []string{"op", "result"}),
		resourcesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resources_created_total",
			Help:      "Total number of resources created on the platform",
		}, []string{"kind"}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_polls_total",
			Help:      "Total number of guest readiness poll cycles",
		}, []string{"result"}),
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of classified errors",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.phaseDuration,
		m.platformCalls, m.resourcesCreated, m.pollCycles, m.errorsByKind,
	)
	return m
}

// NopMetrics returns a disabled collector, for tests.
func NopMetrics() *Metrics {
	return NewMetrics(MetricsConfig{Enabled: false})
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RunStarted records the start of an orchestration run.
func (m *Metrics) RunStarted() {
	if m.enabled() {
		m.runsStarted.Inc()
	}
}

// RunCompleted records a finished run with its final status.
func (m *Metrics) RunCompleted(status string) {
	if m.enabled() {
		m.runsCompleted.WithLabelValues(status).Inc()
	}
}

// PhaseObserved records the duration and outcome of one phase.
func (m *Metrics) PhaseObserved(phase, status string, d time.Duration) {
	if m.enabled() {
		m.phaseDuration.WithLabelValues(phase, status).Observe(d.Seconds())
	}
}

// PlatformCall records one platform API call and its outcome.
func (m *Metrics) PlatformCall(op string, ok bool) {
	if m.enabled() {
		result := "ok"
		if !ok {
			result = "error"
		}
		m.platformCalls.WithLabelValues(op, result).Inc()
	}
}

// ResourceCreated records a successful platform create by resource kind.
func (m *Metrics) ResourceCreated(kind string) {
	if m.enabled() {
		m.resourcesCreated.WithLabelValues(kind).Inc()
	}
}

// PollCycle records one readiness poll and whether it yielded an address.
func (m *Metrics) PollCycle(result string) {
	if m.enabled() {
		m.pollCycles.WithLabelValues(result).Inc()
	}
}

// ErrorObserved records a classified error by kind.
func (m *Metrics) ErrorObserved(kind string) {
	if m.enabled() {
		m.errorsByKind.WithLabelValues(kind).Inc()
	}
}

// Handler returns the HTTP handler for the metrics endpoint, or nil when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics endpoint on the configured listen address. It
// blocks, so callers run it in a goroutine. A disabled collector or empty
// address returns immediately.
func (m *Metrics) Serve() error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}

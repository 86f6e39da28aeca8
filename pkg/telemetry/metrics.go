package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors exported by the core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	dispatched   *prometheus.CounterVec
	pluginErrors *prometheus.CounterVec
	workers      *prometheus.CounterVec
	inFlight     prometheus.Gauge
	rateWait     prometheus.Histogram
}

// NewMetrics registers the collectors on reg. A nil registerer uses a private
// registry, which keeps tests independent from the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "events_dispatched_total",
			Help:      "Events routed through the dispatcher by kind.",
		}, []string{"kind"}),
		pluginErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "plugin_errors_total",
			Help:      "Plugin handle failures by plugin id.",
		}, []string{"plugin"}),
		workers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcore",
			Name:      "workers_total",
			Help:      "Finished workers by outcome.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcore",
			Name:      "workers_in_flight",
			Help:      "Workers currently running on the pool.",
		}),
		rateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentcore",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time callers slept to honour the requests-per-minute budget.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
	}
	reg.MustRegister(m.dispatched, m.pluginErrors, m.workers, m.inFlight, m.rateWait)
	return m
}

func (m *Metrics) EventDispatched(kind string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(kind).Inc()
}

func (m *Metrics) PluginError(id string) {
	if m == nil {
		return
	}
	m.pluginErrors.WithLabelValues(id).Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// WorkerSkipped counts queued work dropped because the kernel stopped.
func (m *Metrics) WorkerSkipped() {
	if m == nil {
		return
	}
	m.workers.WithLabelValues("skipped").Inc()
}

// WorkerFinished records the outcome ("ok", "panic").
func (m *Metrics) WorkerFinished(outcome string) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.workers.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.rateWait.Observe(d.Seconds())
}

// WorkersByOutcome exposes the outcome counter for inspection.
func (m *Metrics) WorkersByOutcome(outcome string) prometheus.Counter {
	return m.workers.WithLabelValues(outcome)
}

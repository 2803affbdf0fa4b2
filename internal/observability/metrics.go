package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/heavyd/internal/queue"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so tests and multiple builds do not collide.
type Metrics struct {
	registry *prometheus.Registry
	window   *latencyWindow

	QueueDepth         *prometheus.GaugeVec
	Jobs               *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	ProviderSelections *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	ModelDownloadBytes *prometheus.CounterVec
	ModelLoadAttempts  *prometheus.CounterVec
	DecodeTokens       *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Metrics{
		registry: reg,
		window:   newLatencyWindow(256),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting per capability queue, excluding the one in flight.",
		}, []string{"capability"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Settled jobs by capability and outcome.",
		}, []string{"capability", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time a job held the worker.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"capability"}),
		ProviderSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_selections_total",
			Help:      "Resolved backend per capability.",
		}, []string{"capability", "provider"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ModelDownloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_download_bytes_total",
			Help:      "Bytes fetched while acquiring local model artifacts.",
		}, []string{"model"}),
		ModelLoadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_load_attempts_total",
			Help:      "Local model load attempts by result.",
		}, []string{"model", "result"}),
		DecodeTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_tokens_total",
			Help:      "Tokens produced by the local decode loop.",
		}, []string{"stop_reason"}),
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
	reg.MustRegister(
		m.QueueDepth,
		m.Jobs,
		m.JobDuration,
		m.ProviderSelections,
		m.ProviderErrors,
		m.ModelDownloadBytes,
		m.ModelLoadAttempts,
		m.DecodeTokens,
		m.WSMessages,
	)
	return m
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// LatencySnapshot returns rolling wait/run percentiles per capability.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.window.Snapshot()
}

// QueueObserver returns a queue lifecycle observer bound to capability.
func (m *Metrics) QueueObserver(capability string) *JobObserver {
	return &JobObserver{metrics: m, capability: capability}
}

// JobOutcome maps a job error onto a low-cardinality label.
func JobOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, queue.ErrJobTimeout):
		return "timeout"
	case errors.Is(err, queue.ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// JobObserver feeds queue lifecycle events into Metrics.
type JobObserver struct {
	metrics    *Metrics
	capability string
}

func (o *JobObserver) OnEnqueue(_ string, _ string, depth int) {
	o.metrics.QueueDepth.WithLabelValues(o.capability).Set(float64(depth))
}

func (o *JobObserver) OnStart(_ string, _ string) {
	o.metrics.QueueDepth.WithLabelValues(o.capability).Dec()
}

func (o *JobObserver) OnFinish(_ string, _ string, elapsed time.Duration, err error) {
	outcome := JobOutcome(err)
	o.metrics.Jobs.WithLabelValues(o.capability, outcome).Inc()
	if elapsed <= 0 {
		// Rejected before it reached the worker.
		o.metrics.QueueDepth.WithLabelValues(o.capability).Dec()
	} else {
		o.metrics.JobDuration.WithLabelValues(o.capability).Observe(elapsed.Seconds())
		o.metrics.window.Observe(o.capability, float64(elapsed.Microseconds())/1000)
	}
	if outcome != "ok" {
		o.metrics.window.ObserveIndicator(o.capability + "." + outcome)
	}
}

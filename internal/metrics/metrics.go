package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lwgsm"

// Metrics holds the collectors shared by the submission path, the dispatch
// worker and the attach coordinator.
type Metrics struct {
	registry *prometheus.Registry

	submitted   *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	abandoned   *prometheus.CounterVec
	completed   *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	queueDepth  prometheus.Gauge
	attachCount prometheus.Gauge
	physical    *prometheus.CounterVec
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates collectors registered on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_submitted_total",
			Help:      "Envelopes accepted by the request mailbox.",
		}, []string{"command", "mode"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Envelopes that never reached the worker.",
		}, []string{"command", "reason"}),
		abandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_abandoned_total",
			Help:      "Blocking envelopes whose waiter gave up before completion.",
		}, []string{"command"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_completed_total",
			Help:      "Envelopes executed by the worker, by outcome.",
		}, []string{"command", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Worker execution time per command.",
			Buckets:   []float64{.005, .025, .1, .5, 1, 2.5, 10, 30, 60, 120, 200},
		}, []string{"command"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mailbox_depth",
			Help:      "Envelopes waiting in the request mailbox.",
		}),
		attachCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attach_holders",
			Help:      "Logical holders of the network attach.",
		}),
		physical: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "physical_operations_total",
			Help:      "Physical attach and detach operations sent to the device.",
		}, []string{"operation", "outcome"}),
	}
	reg.MustRegister(m.submitted, m.rejected, m.abandoned, m.completed,
		m.latency, m.queueDepth, m.attachCount, m.physical)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Submitted(command string, blocking bool) {
	if m == nil {
		return
	}
	mode := "async"
	if blocking {
		mode = "blocking"
	}
	m.submitted.WithLabelValues(command, mode).Inc()
}

func (m *Metrics) Rejected(command, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(command, reason).Inc()
}

func (m *Metrics) Abandoned(command string) {
	if m == nil {
		return
	}
	m.abandoned.WithLabelValues(command).Inc()
}

// Completed records one worker execution.
func (m *Metrics) Completed(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(command, outcome).Inc()
	m.latency.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) AttachHolders(n int) {
	if m == nil {
		return
	}
	m.attachCount.Set(float64(n))
}

// Physical records a physical attach or detach and its outcome.
func (m *Metrics) Physical(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.physical.WithLabelValues(operation, outcome).Inc()
}

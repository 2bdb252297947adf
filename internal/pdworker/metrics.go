package pdworker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK    = "ok"
	resultError = "error"
	resultPanic = "panic"
)

// Metrics counts worker activity. One instance is shared by every worker of
// a process; a nil registerer keeps the collectors unregistered.
type Metrics struct {
	tasks    *prometheus.CounterVec
	pending  *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "nyxstore"
	}
	builder := promauto.With(reg)
	return &Metrics{
		tasks: builder.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pd_worker",
			Name:      "tasks_total",
			Help:      "Tasks executed by the PD worker, by kind and result.",
		}, []string{"kind", "result"}),
		pending: builder.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pd_worker",
			Name:      "pending",
			Help:      "Tasks waiting in the PD worker queue.",
		}, []string{"worker"}),
		duration: builder.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pd_worker",
			Name:      "task_duration_seconds",
			Help:      "Latency of authority calls issued by the PD worker.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"kind"}),
	}
}

func (m *Metrics) observe(kind, result string, seconds float64) {
	m.tasks.WithLabelValues(kind, result).Inc()
	m.duration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) setPending(worker string, n int) {
	m.pending.WithLabelValues(worker).Set(float64(n))
}

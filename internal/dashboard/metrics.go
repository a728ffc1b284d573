package dashboard

import (
	"github.com/prometheus/client_golang/prometheus"

	"modelmux/internal/bus"
)

// Metrics exposes routing activity to Prometheus. Counters are fed from
// the event bus so components stay unaware of the metrics surface.
type Metrics struct {
	registry *prometheus.Registry

	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksSkipped   prometheus.Counter
	throttles      *prometheus.CounterVec
	breakerOpens   *prometheus.CounterVec
	shadowsScored  prometheus.Counter
}

// NewMetrics builds and registers the metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_tasks_completed_total",
			Help: "Tasks completed, by backend.",
		}, []string{"backend"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_tasks_failed_total",
			Help: "Tasks failed, by backend.",
		}, []string{"backend"}),
		tasksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmux_tasks_skipped_total",
			Help: "Tasks skipped by dedup or dependency gating.",
		}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_throttle_events_total",
			Help: "Rate governor throttle events, by backend.",
		}, []string{"backend"}),
		breakerOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_breaker_opens_total",
			Help: "Circuit breaker OPEN transitions, by backend.",
		}, []string{"backend"}),
		shadowsScored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmux_shadows_scored_total",
			Help: "Shadow executions scored.",
		}),
	}
	m.registry.MustRegister(m.tasksCompleted, m.tasksFailed, m.tasksSkipped, m.throttles, m.breakerOpens, m.shadowsScored)
	return m
}

// Registry returns the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe folds one bus event into the counters.
func (m *Metrics) Observe(ev bus.Event) {
	switch ev.Type {
	case bus.EventTaskCompleted:
		m.tasksCompleted.WithLabelValues(ev.Backend).Inc()
	case bus.EventTaskFailed:
		m.tasksFailed.WithLabelValues(ev.Backend).Inc()
	case bus.EventTaskSkipped:
		m.tasksSkipped.Inc()
	case bus.EventThrottle:
		m.throttles.WithLabelValues(ev.Backend).Inc()
	case bus.EventBreakerOpen:
		m.breakerOpens.WithLabelValues(ev.Backend).Inc()
	case bus.EventShadowScored:
		m.shadowsScored.Inc()
	}
}

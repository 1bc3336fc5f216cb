// Package metrics exposes Prometheus collectors reporting engine activity.
// Emission is best-effort and never fails a caller.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drover-dev/drover/pkg/models"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	tasksCompleted   *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	agentActive      *prometheus.GaugeVec
	agentUtilization *prometheus.GaugeVec
}

// MustNew constructs a Metrics instance using the provided registerer.
// Supply a fresh registry in tests to keep metric names unique. Registration
// of an already-registered collector reuses the existing one, so multiple
// engines in one process share collectors instead of panicking.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	tasksCompleted := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drover",
			Subsystem: "dispatch",
			Name:      "tasks_completed_total",
			Help:      "Tasks reaching a terminal state, by specialization, agent, and status.",
		},
		[]string{"specialization", "agent", "status"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "drover",
			Subsystem: "dispatch",
			Name:      "task_duration_seconds",
			Help:      "Transport call duration for completed tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"specialization"},
	)
	agentActive := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "drover",
			Subsystem: "agents",
			Name:      "active_tasks",
			Help:      "Tasks currently assigned per agent.",
		},
		[]string{"agent"},
	)
	agentUtilization := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "drover",
			Subsystem: "agents",
			Name:      "utilization",
			Help:      "Per-agent load divided by capacity.",
		},
		[]string{"agent"},
	)

	m := &Metrics{
		tasksCompleted:   tasksCompleted,
		taskDuration:     taskDuration,
		agentActive:      agentActive,
		agentUtilization: agentUtilization,
	}

	for _, c := range []prometheus.Collector{tasksCompleted, taskDuration, agentActive, agentUtilization} {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					m.tasksCompleted = existing
				case *prometheus.HistogramVec:
					m.taskDuration = existing
				case *prometheus.GaugeVec:
					if c == agentActive {
						m.agentActive = existing
					} else {
						m.agentUtilization = existing
					}
				}
				continue
			}
			panic(err)
		}
	}
	return m
}

// TaskCompleted counts a terminal task.
func (m *Metrics) TaskCompleted(spec models.Specialization, agentID string, status models.TaskStatus) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(string(spec), agentID, string(status)).Inc()
}

// TaskDuration observes one transport call duration.
func (m *Metrics) TaskDuration(spec models.Specialization, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(string(spec)).Observe(elapsed.Seconds())
}

// AgentLoad publishes an agent's live load gauges.
func (m *Metrics) AgentLoad(agentID string, active int, utilization float64) {
	if m == nil {
		return
	}
	m.agentActive.WithLabelValues(agentID).Set(float64(active))
	m.agentUtilization.WithLabelValues(agentID).Set(utilization)
}

// DropAgent removes the per-agent gauges after unregistration.
func (m *Metrics) DropAgent(agentID string) {
	if m == nil {
		return
	}
	m.agentActive.DeleteLabelValues(agentID)
	m.agentUtilization.DeleteLabelValues(agentID)
}

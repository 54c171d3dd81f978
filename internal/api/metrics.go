package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/mediagraph/internal/task"
)

// Metrics holds the server's Prometheus instruments. Task counters are
// partitioned by node type so image and video workloads read separately.
type Metrics struct {
	Registry *prometheus.Registry

	TasksStarted   *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	MediaPuts      prometheus.Counter
	MediaResolves  prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		TasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediagraph",
			Name:      "tasks_started_total",
			Help:      "Node tasks admitted, by node type.",
		}, []string{"type"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediagraph",
			Name:      "tasks_completed_total",
			Help:      "Node tasks that committed output, by node type.",
		}, []string{"type"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediagraph",
			Name:      "tasks_failed_total",
			Help:      "Node tasks that ended in error, by node type.",
		}, []string{"type"}),
		MediaPuts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediagraph",
			Name:      "media_puts_total",
			Help:      "Assets written into the media cache.",
		}),
		MediaResolves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediagraph",
			Name:      "media_resolves_total",
			Help:      "Media reference resolutions served.",
		}),
	}
	m.Registry.MustRegister(m.TasksStarted, m.TasksCompleted, m.TasksFailed, m.MediaPuts, m.MediaResolves)
	return m
}

// TaskHooks adapts the counters to the runner's lifecycle notifications.
func (m *Metrics) TaskHooks() task.Hooks {
	return task.Hooks{
		Started:   func(t string) { m.TasksStarted.WithLabelValues(t).Inc() },
		Completed: func(t string) { m.TasksCompleted.WithLabelValues(t).Inc() },
		Failed:    func(t string) { m.TasksFailed.WithLabelValues(t).Inc() },
	}
}

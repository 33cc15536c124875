// Package telemetry exposes Prometheus metrics for agent passes and tasks.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jakebbass/afilli/internal/orchestrator"
)

const namespace = "afilli"

// Metrics holds the collectors fed by orchestrator events. Each Metrics has
// its own registry so tests and embedded uses do not collide.
type Metrics struct {
	registry     *prometheus.Registry
	tasks        *prometheus.CounterVec
	created      *prometheus.CounterVec
	passes       prometheus.Counter
	agentErrors  *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	passDuration prometheus.Histogram
}

// NewMetrics creates and registers the collectors, plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks executed, by agent type, task type and final status.",
		}, []string{"agent_type", "task_type", "status"}),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks enqueued by the generator.",
		}, []string{"agent_type", "task_type"}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Completed scheduler passes over working agents.",
		}),
		agentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_errors_total",
			Help:      "Agent loops that failed and moved the agent to error.",
		}, []string{"agent_type"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution time.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"agent_type", "task_type"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Scheduler pass time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	m.registry.MustRegister(
		m.tasks, m.created, m.passes, m.agentErrors, m.taskDuration, m.passDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe updates the collectors from one event. It is an
// orchestrator.EventHandler.
func (m *Metrics) Observe(ev orchestrator.Event) {
	agentType, taskType := string(ev.AgentType), string(ev.TaskType)
	switch ev.Type {
	case orchestrator.EventTaskCreated:
		m.created.WithLabelValues(agentType, taskType).Inc()
	case orchestrator.EventTaskEnd:
		m.tasks.WithLabelValues(agentType, taskType, string(ev.Status)).Inc()
		m.taskDuration.WithLabelValues(agentType, taskType).Observe(ev.Duration.Seconds())
	case orchestrator.EventAgentError:
		m.agentErrors.WithLabelValues(agentType).Inc()
	case orchestrator.EventPassEnd:
		m.passes.Inc()
		m.passDuration.Observe(ev.Duration.Seconds())
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text or OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Package metrics exposes Prometheus instrumentation for the agent loop,
// tool execution and provider calls. A nil *Metrics is a valid no-op.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nanoclaw"

type Metrics struct {
	iterations       prometheus.Counter
	requests         *prometheus.CounterVec
	toolExecutions   *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	providerRequests *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "iterations_total",
			Help:      "Provider round trips made by agent loops.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "Processed user messages by outcome.",
		}, []string{"outcome"}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Tool executions by tool and status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "duration_seconds",
			Help:      "Tool execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"tool"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Completion requests by status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.iterations, m.requests, m.toolExecutions, m.toolDuration, m.providerRequests)
	}
	return m
}

func (m *Metrics) ObserveIteration() {
	if m == nil {
		return
	}
	m.iterations.Inc()
}

// ObserveRequest records a finished ProcessMessage call. outcome is one of
// "completed", "max_iterations" or "error".
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTool(tool string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.toolExecutions.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) ObserveProvider(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.providerRequests.WithLabelValues(status).Inc()
}

// Package observability exposes Prometheus metrics for the runtime.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the runtime records into.
type Metrics struct {
	registry *prometheus.Registry

	MessagesPolled     *prometheus.CounterVec
	MessagesDispatched *prometheus.CounterVec
	PollErrors         *prometheus.CounterVec
	ToolCalls          *prometheus.CounterVec
	ScanVerdicts       *prometheus.CounterVec
	AgentRestarts      *prometheus.CounterVec
	ServerRestarts     *prometheus.CounterVec
	SchedulerRuns      *prometheus.CounterVec
	DispatchDuration   *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	counter := func(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
		vec := prometheus.NewCounterVec(opts, labels)
		registry.MustRegister(vec)
		return vec
	}

	m := &Metrics{registry: registry}
	m.MessagesPolled = counter(prometheus.CounterOpts{
		Namespace: "overseer", Subsystem: "channels", Name: "messages_polled_total",
		Help: "Messages returned by adapter polls.",
	}, []string{"channel"})
	m.MessagesDispatched = counter(prometheus.CounterOpts{
		Namespace: "overseer", Subsystem: "channels", Name: "messages_dispatched_total",
		Help: "Messages handed to the dispatch pipeline, by outcome.",
	}, []string{"channel", "outcome"})
	m.PollErrors = counter(prometheus.CounterOpts{
		Namespace: "overseer", Subsystem: "channels", Name: "poll_errors_total",
		Help: "Adapter poll failures.",
	}, []string{"channel"})
	m.ToolCalls = counter(prometheus.CounterOpts{
		Namespace: "overseer", Subsystem: "router", Name: "tool_calls_total",
		Help: "Tool calls routed, by outcome.",
	}, []string{"tool", "outcome"})
	m.ScanVerdicts = counter(prometheus.CounterOpts{
		Namespace: "overseer", Subsystem: "scanner", Name: "verdicts_total",
		Help: "Scanner verdicts, by result.",
	}, []string{"result"})
	m.AgentRestarts = counter(prometheus.CounterOpts{
		Namespace: "overseer", Subsystem: "agents", Name: "restarts_total",
		Help: "Agent subprocess restarts.",
	}, []string{"agent"})
	m.ServerRestarts = counter(prometheus.CounterOpts{
		Namespace: "overseer", Subsystem: "rpc", Name: "server_restarts_total",
		Help: "Tool-server subprocess restarts.",
	}, []string{"server"})
	m.SchedulerRuns = counter(prometheus.CounterOpts{
		Namespace: "overseer", Subsystem: "scheduler", Name: "runs_total",
		Help: "Scheduled item executions, by kind and status.",
	}, []string{"kind", "status"})

	m.DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "overseer", Subsystem: "channels", Name: "dispatch_duration_seconds",
		Help:    "Time spent dispatching one message.",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})
	registry.MustRegister(m.DispatchDuration)

	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Package metrics provides Prometheus metrics collection, grounded on the
// pack's infrastructure/metrics.Metrics shape: a struct of collectors built
// once and registered against an injectable prometheus.Registerer so tests
// can use a throwaway registry instead of the global default.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector this platform exposes. HTTPRequestsTotal and
// HTTPRequestDuration are registered, but nothing in this module updates
// them; the router does not record per-request metrics.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ProbesTotal     *prometheus.CounterVec
	AgentsEvicted   prometheus.Counter
	AgentsWatched   prometheus.Gauge

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	NodeInvocationsTotal *prometheus.CounterVec
}

// New builds a Metrics instance registered against prometheus.DefaultRegisterer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry builds a Metrics instance registered against the given
// registerer, letting tests supply a prometheus.NewRegistry() instead of
// polluting the process-wide default.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_http_requests_total",
				Help: "Total number of HTTP requests handled by the request router.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),

		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_probes_total",
				Help: "Total number of liveness probes performed, by outcome.",
			},
			[]string{"outcome"},
		),
		AgentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_agents_evicted_total",
			Help: "Total number of agents evicted after exceeding the consecutive failure threshold.",
		}),
		AgentsWatched: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentflow_agents_watched",
			Help: "Current number of agents with a running liveness prober.",
		}),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_executions_total",
				Help: "Total number of flow executions, by terminal status.",
			},
			[]string{"status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentflow_execution_duration_seconds",
				Help:    "Flow execution duration in seconds, from running to terminal.",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"flow_id"},
		),
		NodeInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_node_invocations_total",
				Help: "Total number of per-node agent invocations attempted during flow execution, by outcome.",
			},
			[]string{"agent_name", "outcome"},
		),
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProbesTotal,
		m.AgentsEvicted,
		m.AgentsWatched,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.NodeInvocationsTotal,
	)

	return m
}

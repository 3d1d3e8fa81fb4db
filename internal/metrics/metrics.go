// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/captain/internal/domain"
)

const namespace = "captain"

// Metrics is a private registry plus the gateway collectors. It satisfies the
// dispatcher's Observer.
type Metrics struct {
	registry *prometheus.Registry

	attempts         *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	invocations      *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	agentState       *prometheus.GaugeVec
	registeredAgents prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "attempts_total",
			Help: "Dispatch attempts by capability, agent and result.",
		}, []string{"capability", "agent_id", "result"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "attempt_duration_seconds",
			Help:    "Duration of attempts that reached an agent.",
			Buckets: prometheus.DefBuckets,
		}, []string{"capability"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "invocations_total",
			Help: "Invocations by capability and outcome code.",
		}, []string{"capability", "code"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "requests_total",
			Help: "Handled requests by type and composite status.",
		}, []string{"request_type", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "orchestrator", Name: "request_duration_seconds",
			Help:    "End-to-end request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"request_type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "liveness", Name: "transitions_total",
			Help: "Liveness state transitions by target state.",
		}, []string{"to"}),
		agentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "liveness", Name: "agent_state",
			Help: "1 for the agent's current liveness state, 0 otherwise.",
		}, []string{"agent_id", "state"}),
		registeredAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "agents",
			Help: "Number of registered agents.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts,
		m.attemptDuration,
		m.invocations,
		m.requests,
		m.requestDuration,
		m.transitions,
		m.agentState,
		m.registeredAgents,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveAttempt(capability, agentID, result string, d time.Duration) {
	m.attempts.WithLabelValues(capability, agentID, result).Inc()
	if d > 0 {
		m.attemptDuration.WithLabelValues(capability).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveInvocation(capability, code string, _ time.Duration) {
	m.invocations.WithLabelValues(capability, code).Inc()
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(requestType string, status string, d time.Duration) {
	m.requests.WithLabelValues(requestType, status).Inc()
	m.requestDuration.WithLabelValues(requestType).Observe(d.Seconds())
}

var states = []domain.LivenessState{
	domain.LivenessUnknown,
	domain.LivenessHealthy,
	domain.LivenessDegraded,
	domain.LivenessUnreachable,
}

// ObserveTransition records a liveness transition and updates the state gauge.
func (m *Metrics) ObserveTransition(t domain.LivenessTransition) {
	m.transitions.WithLabelValues(string(t.To)).Inc()
	m.SetAgentState(t.AgentID, t.To)
}

// SetAgentState sets the one-hot state gauge for an agent.
func (m *Metrics) SetAgentState(agentID string, state domain.LivenessState) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.agentState.WithLabelValues(agentID, string(s)).Set(v)
	}
}

// ForgetAgent drops an agent's state series.
func (m *Metrics) ForgetAgent(agentID string) {
	m.agentState.DeletePartialMatch(prometheus.Labels{"agent_id": agentID})
}

// SetRegisteredAgents sets the registered agent gauge.
func (m *Metrics) SetRegisteredAgents(n int) {
	m.registeredAgents.Set(float64(n))
}

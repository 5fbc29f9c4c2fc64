package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the gateway. Every method
// is safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// Router metrics
	RouteDecisions *prometheus.CounterVec
	RouteLatency   prometheus.Histogram
	EstimatedSpend *prometheus.CounterVec

	// Audit metrics
	AuditEmissions *prometheus.CounterVec

	// Agent graph metrics
	AgentSteps      *prometheus.CounterVec
	CheckpointSaves *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec

	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
}

// NewMetrics registers the gateway metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Route decisions by outcome (ok, operation_disabled, budget_exceeded, ...)
		RouteDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helixgate_route_decisions_total",
			Help: "Total routing decisions by operation and outcome",
		}, []string{"operation", "outcome"}),

		RouteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "helixgate_route_duration_seconds",
			Help:    "Time to reach a routing decision, audit confirmation included",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		EstimatedSpend: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helixgate_estimated_spend_usd_total",
			Help: "Authorized estimated spend in USD by model",
		}, []string{"model"}),

		AuditEmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helixgate_audit_emissions_total",
			Help: "Pre-execution audit emission attempts by outcome (confirmed, retry, failed)",
		}, []string{"outcome"}),

		AgentSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helixgate_agent_steps_total",
			Help: "Agent graph steps executed by node",
		}, []string{"node", "economy"}),

		CheckpointSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helixgate_checkpoint_saves_total",
			Help: "Checkpoint writes by result",
		}, []string{"result"}),

		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helixgate_jobs_finished_total",
			Help: "Agent jobs reaching a terminal status",
		}, []string{"status", "reason"}),

		WebSocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "helixgate_websocket_connections_active",
			Help: "Number of active job event WebSocket connections",
		}),
	}
}

// RecordRoute records one routing outcome and its latency
func (m *Metrics) RecordRoute(operationID, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.RouteDecisions.WithLabelValues(operationID, outcome).Inc()
	m.RouteLatency.Observe(seconds)
}

// RecordSpend adds an authorized estimate
func (m *Metrics) RecordSpend(model string, usd float64) {
	if m == nil {
		return
	}
	m.EstimatedSpend.WithLabelValues(model).Add(usd)
}

// RecordAuditEmission records a confirmer outcome
func (m *Metrics) RecordAuditEmission(outcome string) {
	if m == nil {
		return
	}
	m.AuditEmissions.WithLabelValues(outcome).Inc()
}

// RecordAgentStep records an executed agent step
func (m *Metrics) RecordAgentStep(node string, economy bool) {
	if m == nil {
		return
	}
	e := "false"
	if economy {
		e = "true"
	}
	m.AgentSteps.WithLabelValues(node, e).Inc()
}

// RecordCheckpointSave records a checkpoint write result
func (m *Metrics) RecordCheckpointSave(result string) {
	if m == nil {
		return
	}
	m.CheckpointSaves.WithLabelValues(result).Inc()
}

// RecordJobFinished records a job reaching completed or failed
func (m *Metrics) RecordJobFinished(status, reason string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status, reason).Inc()
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	if m == nil {
		return
	}
	m.WebSocketConnections.Dec()
}

// Package metrics exports Prometheus collectors fed from the run event stream.
package metrics

import (
	"github.com/codefionn/agentloop/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one registry.
type Metrics struct {
	// runs counts finished runs by report status.
	runs *prometheus.CounterVec
	// iterations observes the model turns each run took.
	iterations prometheus.Histogram
	// toolCalls counts completed tool calls by tool and outcome (ok, error).
	toolCalls *prometheus.CounterVec
	// toolDuration observes tool latency.
	toolDuration *prometheus.HistogramVec
	// recoveries counts recovery directives by kind.
	recoveries *prometheus.CounterVec
	// approvals counts approval decisions (approved, rejected).
	approvals *prometheus.CounterVec
	// activeRuns is the number of runs in flight.
	activeRuns prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// to expose them on the default handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_runs_total",
			Help: "Finished agent runs by status",
		}, []string{"status"}),
		iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentloop_iterations",
			Help:    "Model turns per finished run",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
		}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_tool_calls_total",
			Help: "Completed tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentloop_tool_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_recovery_actions_total",
			Help: "Recovery directives applied by kind",
		}, []string{"kind"}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentloop_approvals_total",
			Help: "Approval decisions by outcome",
		}, []string{"decision"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentloop_active_runs",
			Help: "Agent runs currently in flight",
		}),
	}
}

// RunStarted marks a run as in flight.
func (m *Metrics) RunStarted() {
	m.activeRuns.Inc()
}

// RunFinished marks a run as done.
func (m *Metrics) RunFinished() {
	m.activeRuns.Dec()
}

// Emit implements events.Sink.
func (m *Metrics) Emit(ev events.Event) error {
	switch ev.Type {
	case events.TypeToolResult:
		if ev.ToolResult == nil {
			return nil
		}
		outcome := "ok"
		if !ev.ToolResult.OK() {
			outcome = "error"
		}
		m.toolCalls.WithLabelValues(ev.ToolResult.ToolName, outcome).Inc()
		m.toolDuration.WithLabelValues(ev.ToolResult.ToolName).Observe(ev.ToolResult.Duration.Seconds())
	case events.TypeRecoveryAction:
		if ev.Recovery != nil {
			m.recoveries.WithLabelValues(ev.Recovery.Kind).Inc()
		}
	case events.TypeApprovalResolved:
		if ev.Approval == nil {
			return nil
		}
		decision := "rejected"
		if ev.Approval.Approved {
			decision = "approved"
		}
		m.approvals.WithLabelValues(decision).Inc()
	case events.TypeCompletion:
		if ev.Completion != nil {
			m.finished(ev.Completion.Status, ev.Completion.Iterations)
		}
	case events.TypeError:
		if ev.Error != nil {
			m.finished(ev.Error.Status, ev.Error.Iterations)
		}
	}
	return nil
}

func (m *Metrics) finished(status string, iterations int) {
	m.runs.WithLabelValues(status).Inc()
	m.iterations.Observe(float64(iterations))
}

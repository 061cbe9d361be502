// Package metrics records lifecycle, execution and loop metrics in
// Prometheus and reads throughput reports back from a Prometheus server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gatekeeper/pkg/workitem"
)

// Recorder implements the metrics hooks of the ledger, the approval gate,
// the dispatcher and the loop controller on its own registry.
type Recorder struct {
	registry          *prometheus.Registry
	transitionsTotal  *prometheus.CounterVec
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec
	approvalsTotal    *prometheus.CounterVec
	loopDecisions     *prometheus.CounterVec
}

// NewRecorder creates a Recorder with a fresh registry that also carries
// the Go and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_transitions_total",
				Help: "Work item transitions by source and destination container",
			},
			[]string{"from", "to"},
		),
		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_executions_total",
				Help: "Terminal execution outcomes by action type",
			},
			[]string{"action_type", "outcome"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_execution_duration_seconds",
				Help:    "Duration of the final handler attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action_type"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_retries_total",
				Help: "Transient failures scheduled for retry",
			},
			[]string{"action_type"},
		),
		approvalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_approvals_total",
				Help: "Approval gate outcomes",
			},
			[]string{"decision"},
		),
		loopDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_loop_decisions_total",
				Help: "Loop controller answers to exit attempts",
			},
			[]string{"outcome"},
		),
	}
}

// Registry returns the registry the Recorder writes to.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveTransition counts a create (from is empty) or a move.
func (r *Recorder) ObserveTransition(from, to workitem.Container) {
	f := string(from)
	if f == "" {
		f = "none"
	}
	r.transitionsTotal.WithLabelValues(f, string(to)).Inc()
}

// ObserveExecution records a terminal execution outcome.
func (r *Recorder) ObserveExecution(actionType, outcome string, d time.Duration) {
	r.executionsTotal.WithLabelValues(actionType, outcome).Inc()
	if d > 0 {
		r.executionDuration.WithLabelValues(actionType).Observe(d.Seconds())
	}
}

// ObserveRetry counts a scheduled retry.
func (r *Recorder) ObserveRetry(actionType string) {
	r.retriesTotal.WithLabelValues(actionType).Inc()
}

// ObserveApproval counts an approval gate outcome.
func (r *Recorder) ObserveApproval(outcome string) {
	r.approvalsTotal.WithLabelValues(outcome).Inc()
}

// ObserveLoopDecision counts a loop controller decision.
func (r *Recorder) ObserveLoopDecision(outcome string) {
	r.loopDecisions.WithLabelValues(outcome).Inc()
}

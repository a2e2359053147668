package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the pipeline.
//
// All metrics are prefixed with "upgrade_pipeline_":
//   - audit_runs_total{status}
//   - audit_category_duration_seconds{category}
//   - audit_category_errors_total{category}
//   - audit_risk_score
//   - proposal_transitions_total{status}
//   - pipeline_steps_total{step,result}
//   - backend_dispatch_total{backend,result}
//   - scheduler_ticks_total{job,result}
type Metrics struct {
	registry *prometheus.Registry

	AuditRunsTotal       *prometheus.CounterVec
	CategoryDuration     *prometheus.HistogramVec
	CategoryErrorsTotal  *prometheus.CounterVec
	RiskScore            prometheus.Gauge
	ProposalTransitions  *prometheus.CounterVec
	PipelineStepsTotal   *prometheus.CounterVec
	BackendDispatchTotal *prometheus.CounterVec
	SchedulerTicksTotal  *prometheus.CounterVec
	ExecutionsInFlight   prometheus.Gauge
}

// NewMetrics creates the collectors on a dedicated registry, so repeated
// construction in tests never collides with the global one.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AuditRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upgrade_pipeline_audit_runs_total",
			Help: "Total number of audit runs by final status",
		}, []string{"status"}),
		CategoryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upgrade_pipeline_audit_category_duration_seconds",
			Help:    "Duration of a single category validator call",
			Buckets: prometheus.DefBuckets,
		}, []string{"category"}),
		CategoryErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upgrade_pipeline_audit_category_errors_total",
			Help: "Validator failures and timeouts converted to synthetic findings",
		}, []string{"category"}),
		RiskScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "upgrade_pipeline_audit_risk_score",
			Help: "Overall risk score of the most recent audit run",
		}),
		ProposalTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upgrade_pipeline_proposal_transitions_total",
			Help: "Proposal status transitions by target status",
		}, []string{"status"}),
		PipelineStepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upgrade_pipeline_steps_total",
			Help: "Executed pipeline steps by step name and result",
		}, []string{"step", "result"}),
		BackendDispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upgrade_pipeline_backend_dispatch_total",
			Help: "Backend task dispatches by backend and result",
		}, []string{"backend", "result"}),
		SchedulerTicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upgrade_pipeline_scheduler_ticks_total",
			Help: "Scheduler ticks by job and result (ran, skipped, error)",
		}, []string{"job", "result"}),
		ExecutionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "upgrade_pipeline_executions_in_flight",
			Help: "Number of proposals currently executing",
		}),
	}
}

// Handler exposes the registry over HTTP
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveCategory records one validator call
func (m *Metrics) ObserveCategory(category string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.CategoryDuration.WithLabelValues(category).Observe(d.Seconds())
	if failed {
		m.CategoryErrorsTotal.WithLabelValues(category).Inc()
	}
}

// ObserveAuditRun records a finished run
func (m *Metrics) ObserveAuditRun(status string, score float64) {
	if m == nil {
		return
	}
	m.AuditRunsTotal.WithLabelValues(status).Inc()
	m.RiskScore.Set(score)
}

// ObserveTransition records a proposal status change
func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.ProposalTransitions.WithLabelValues(status).Inc()
}

// ObserveStep records an executed pipeline step
func (m *Metrics) ObserveStep(step string, ok bool) {
	if m == nil {
		return
	}
	m.PipelineStepsTotal.WithLabelValues(step, result(ok)).Inc()
}

// ObserveDispatch records a backend dispatch
func (m *Metrics) ObserveDispatch(backend string, ok bool) {
	if m == nil {
		return
	}
	m.BackendDispatchTotal.WithLabelValues(backend, result(ok)).Inc()
}

// ObserveTick records a scheduler tick outcome
func (m *Metrics) ObserveTick(job, outcome string) {
	if m == nil {
		return
	}
	m.SchedulerTicksTotal.WithLabelValues(job, outcome).Inc()
}

// ExecutionStarted increments the in-flight gauge
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ExecutionsInFlight.Inc()
}

// ExecutionFinished decrements the in-flight gauge
func (m *Metrics) ExecutionFinished() {
	if m == nil {
		return
	}
	m.ExecutionsInFlight.Dec()
}

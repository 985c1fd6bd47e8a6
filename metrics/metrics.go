package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ledger engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Event log appends by result: appended, duplicate, failed
	EventsAppended *prometheus.CounterVec

	// Projector outcomes: applied, duplicate, stale, failed
	ProjectionOutcome *prometheus.CounterVec
	ProjectionLatency prometheus.Histogram
	// Non-zero closing vs calculated closing after an apply
	DiscrepancyDetected prometheus.Counter

	// Gate decisions by state
	GateDecisions *prometheus.CounterVec

	InvalidationBuffer   prometheus.Gauge
	InvalidationsApplied prometheus.Counter
	InvalidationFailures prometheus.Counter
	InvalidationsDropped prometheus.Counter

	// Validator findings by issue kind and repair actions by result
	ConsistencyIssues *prometheus.CounterVec
	RepairActions     *prometheus.CounterVec

	// Balance reads by serving tier
	BalanceReads *prometheus.CounterVec

	OutboxPublished *prometheus.CounterVec
}

// New registers all ledger engine metrics on reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_events_appended_total",
			Help: "Ledger events appended to the event log by result",
		}, []string{"result"}),

		ProjectionOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_projection_outcomes_total",
			Help: "Balance projector outcomes per delivered event",
		}, []string{"outcome"}),

		ProjectionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_projection_duration_seconds",
			Help:    "Duration of one projector apply including lock wait",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		DiscrepancyDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_balance_discrepancy_detected_total",
			Help: "Daily balance rows whose closing differs from the calculated closing after an apply",
		}),

		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_gate_decisions_total",
			Help: "Approval gate decisions by state",
		}, []string{"state"}),

		InvalidationBuffer: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_invalidation_buffer_size",
			Help: "Pending cache invalidation items",
		}),

		InvalidationsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_invalidations_applied_total",
			Help: "Grouped cache invalidations applied to both tiers",
		}),

		InvalidationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_invalidation_failures_total",
			Help: "Grouped cache invalidations that failed and were re-enqueued",
		}),

		InvalidationsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_invalidations_dropped_total",
			Help: "Invalidations abandoned after exhausting retries",
		}),

		ConsistencyIssues: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_consistency_issues_total",
			Help: "Consistency validator findings by issue kind",
		}, []string{"kind"}),

		RepairActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_repair_actions_total",
			Help: "Consistency repair actions by result",
		}, []string{"result"}),

		BalanceReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_balance_reads_total",
			Help: "Daily balance reads by serving tier",
		}, []string{"source"}),

		OutboxPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_outbox_publish_total",
			Help: "Outbox publish attempts by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncAppended(result string) {
	if m != nil {
		m.EventsAppended.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveProjection(outcome string, d time.Duration) {
	if m != nil {
		m.ProjectionOutcome.WithLabelValues(outcome).Inc()
		m.ProjectionLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) IncDiscrepancy() {
	if m != nil {
		m.DiscrepancyDetected.Inc()
	}
}

func (m *Metrics) IncGateDecision(state string) {
	if m != nil {
		m.GateDecisions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) SetInvalidationBuffer(n int) {
	if m != nil {
		m.InvalidationBuffer.Set(float64(n))
	}
}

func (m *Metrics) IncInvalidationApplied() {
	if m != nil {
		m.InvalidationsApplied.Inc()
	}
}

func (m *Metrics) IncInvalidationFailure() {
	if m != nil {
		m.InvalidationFailures.Inc()
	}
}

func (m *Metrics) IncInvalidationDropped() {
	if m != nil {
		m.InvalidationsDropped.Inc()
	}
}

func (m *Metrics) IncConsistencyIssue(kind string) {
	if m != nil {
		m.ConsistencyIssues.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) IncRepairAction(result string) {
	if m != nil {
		m.RepairActions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncBalanceRead(source string) {
	if m != nil {
		m.BalanceReads.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) IncOutboxPublish(result string) {
	if m != nil {
		m.OutboxPublished.WithLabelValues(result).Inc()
	}
}

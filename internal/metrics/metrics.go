package metrics

import (
	"expenseexport/pkg/apperr"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for stage runs.
const (
	OutcomeOK                = "ok"
	OutcomeInvalidState      = "invalid_state"
	OutcomeNotFound          = "not_found"
	OutcomeConflict          = "conflict"
	OutcomeSourceUnavailable = "source_unavailable"
	OutcomeBadRequest        = "bad_request"
	OutcomeError             = "error"
)

// Pipeline holds the export pipeline instruments. A nil *Pipeline is valid
// and records nothing.
type Pipeline struct {
	stageRuns        *prometheus.CounterVec
	recordsProcessed *prometheus.CounterVec
	reconciliation   *prometheus.GaugeVec
}

// NewPipeline registers the instruments with registerer, or with the
// default registry when registerer is nil.
func NewPipeline(registerer prometheus.Registerer) (*Pipeline, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	p := &Pipeline{
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expense_export_stage_runs_total",
			Help: "Pipeline stage calls by stage and outcome.",
		}, []string{"stage", "outcome"}),
		recordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expense_export_records_processed_total",
			Help: "Export records touched by each stage.",
		}, []string{"stage"}),
		reconciliation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "expense_export_reconciliation",
			Help: "Latest reconciliation figures (amounts in ledger currency, counts in records).",
		}, []string{"figure"}),
	}

	for _, c := range []prometheus.Collector{p.stageRuns, p.recordsProcessed, p.reconciliation} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Outcome maps an error to its low-cardinality label.
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	switch apperr.KindOf(err) {
	case apperr.KindInvalidState:
		return OutcomeInvalidState
	case apperr.KindNotFound:
		return OutcomeNotFound
	case apperr.KindConflict:
		return OutcomeConflict
	case apperr.KindSourceUnavailable:
		return OutcomeSourceUnavailable
	case apperr.KindBadRequest:
		return OutcomeBadRequest
	}
	return OutcomeError
}

func (p *Pipeline) ObserveStage(stage string, err error) {
	if p == nil {
		return
	}
	p.stageRuns.WithLabelValues(stage, Outcome(err)).Inc()
}

func (p *Pipeline) AddRecords(stage string, n int) {
	if p == nil || n <= 0 {
		return
	}
	p.recordsProcessed.WithLabelValues(stage).Add(float64(n))
}

func (p *Pipeline) SetReconciliation(figure string, value float64) {
	if p == nil {
		return
	}
	p.reconciliation.WithLabelValues(figure).Set(value)
}

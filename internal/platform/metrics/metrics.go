// Package metrics exposes Prometheus instruments for loads and
// reconciliation runs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Rows seen per load kind, by outcome: created, updated, invalid.
	IngestRows *prometheus.CounterVec

	// Completed loads by kind and audit status (EXITOSO, PARCIAL, ERROR).
	Ingestions *prometheus.CounterVec

	// Registrations classified by reconciliation mode and resulting state.
	Reconciled *prometheus.CounterVec

	// Wall time of core operations.
	OperationDuration *prometheus.HistogramVec

	// Reasons that fell through the taxonomy to the default verdict.
	TaxonomyGaps prometheus.Counter

	// Period summary cache lookups by result: hit, miss, error.
	SummaryCache *prometheus.CounterVec
}

// New registers all instruments on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		IngestRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percapita_ingest_rows_total",
			Help: "Rows processed by bulk loads by kind and outcome",
		}, []string{"kind", "outcome"}),

		Ingestions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percapita_ingestions_total",
			Help: "Bulk loads by kind and audit status",
		}, []string{"kind", "status"}),

		Reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percapita_reconciled_registrations_total",
			Help: "Registrations classified by reconciliation mode and state",
		}, []string{"mode", "state"}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percapita_operation_duration_seconds",
			Help:    "Duration of ingestion, reconciliation and timeline operations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),

		TaxonomyGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "percapita_taxonomy_gaps_total",
			Help: "Snapshot reasons not covered by the configured taxonomy",
		}),

		SummaryCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percapita_summary_cache_lookups_total",
			Help: "Period summary cache lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) AddIngestRows(kind, outcome string, n int) {
	if m != nil && n > 0 {
		m.IngestRows.WithLabelValues(kind, outcome).Add(float64(n))
	}
}

func (m *Metrics) IncIngestion(kind, status string) {
	if m != nil {
		m.Ingestions.WithLabelValues(kind, status).Inc()
	}
}

func (m *Metrics) AddReconciled(mode, state string, n int) {
	if m != nil && n > 0 {
		m.Reconciled.WithLabelValues(mode, state).Add(float64(n))
	}
}

func (m *Metrics) ObserveOperation(op string, d time.Duration) {
	if m != nil {
		m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}

func (m *Metrics) AddTaxonomyGaps(n int) {
	if m != nil && n > 0 {
		m.TaxonomyGaps.Add(float64(n))
	}
}

func (m *Metrics) IncSummaryCache(result string) {
	if m != nil {
		m.SummaryCache.WithLabelValues(result).Inc()
	}
}

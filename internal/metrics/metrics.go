package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the refund service.
type Metrics struct {
	// Refund execution metrics
	RefundBatchesTotal    *prometheus.CounterVec // outcome: success | partial | failed | dry_run | rejected
	RefundLegsTotal       *prometheus.CounterVec // provider, status
	RefundAmountCents     *prometheus.CounterVec // provider
	RefundBatchDuration   *prometheus.HistogramVec

	// Provider call metrics
	ProviderCallsTotal   *prometheus.CounterVec // provider, status
	ProviderCallDuration *prometheus.HistogramVec

	// Quote metrics
	QuotesTotal   *prometheus.CounterVec // outcome
	QuoteDuration prometheus.Histogram

	// Fleet estimate metrics
	EstimateRunsTotal *prometheus.CounterVec // status: ready | error
	EstimateDuration  prometheus.Histogram

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec // store, operation
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		RefundBatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zelo_refund_batches_total",
				Help: "Total refund batch executions by outcome",
			},
			[]string{"outcome"},
		),
		RefundLegsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zelo_refund_legs_total",
				Help: "Total refund legs by provider and status",
			},
			[]string{"provider", "status"},
		),
		RefundAmountCents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zelo_refund_amount_cents_total",
				Help: "Total refunded amount in cents by provider",
			},
			[]string{"provider"},
		),
		RefundBatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zelo_refund_batch_duration_seconds",
				Help:    "Time taken to execute a refund batch",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		ProviderCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zelo_provider_calls_total",
				Help: "External refund provider calls by provider and status",
			},
			[]string{"provider", "status"},
		),
		ProviderCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zelo_provider_call_duration_seconds",
				Help:    "External refund provider call latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		),
		QuotesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zelo_refund_quotes_total",
				Help: "Refund quote computations by outcome",
			},
			[]string{"outcome"},
		),
		QuoteDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "zelo_refund_quote_duration_seconds",
				Help:    "Time taken to build a refund quote including provider reads",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
		EstimateRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zelo_estimate_runs_total",
				Help: "Fleet estimate job runs by terminal status",
			},
			[]string{"status"},
		),
		EstimateDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "zelo_estimate_duration_seconds",
				Help:    "Fleet estimate job wall time",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zelo_db_query_duration_seconds",
				Help:    "Database query latency by store and operation",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"store", "operation"},
		),
	}
}

// ObserveLeg records a single refund leg outcome.
func (m *Metrics) ObserveLeg(provider, status string, amountCents int64) {
	if m == nil {
		return
	}
	m.RefundLegsTotal.WithLabelValues(provider, status).Inc()
	if status == "succeeded" && amountCents > 0 {
		m.RefundAmountCents.WithLabelValues(provider).Add(float64(amountCents))
	}
}

// ObserveBatch records a refund batch outcome and duration.
func (m *Metrics) ObserveBatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RefundBatchesTotal.WithLabelValues(outcome).Inc()
	m.RefundBatchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveProviderCall records one external provider call.
func (m *Metrics) ObserveProviderCall(provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCallsTotal.WithLabelValues(provider, status).Inc()
	m.ProviderCallDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveEstimateRun records a fleet estimate completion.
func (m *Metrics) ObserveEstimateRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.EstimateRunsTotal.WithLabelValues(status).Inc()
	m.EstimateDuration.Observe(d.Seconds())
}

// ObserveDBQuery records one database query.
func (m *Metrics) ObserveDBQuery(store, operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(store, operation).Observe(d.Seconds())
}

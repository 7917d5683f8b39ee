// Package metrics provides Prometheus metrics for the ticket pipeline.
package metrics

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics contains the counters and histograms of the import pipeline.
// A nil *PipelineMetrics records nothing.
type PipelineMetrics struct {
	registry *prometheus.Registry

	ticketsProcessedTotal *prometheus.CounterVec
	llmRequestDuration    *prometheus.HistogramVec
	riskCardsCreatedTotal *prometheus.CounterVec
	importDuration        *prometheus.HistogramVec
	suggestionsTotal      prometheus.Counter
}

// NewPipelineMetrics creates and registers pipeline metrics.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.ticketsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churn_tickets_processed_total",
			Help: "Tickets processed by import, by outcome",
		},
		[]string{"outcome"}, // imported, analyzed, skipped, failed
	)

	m.llmRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "churn_llm_request_seconds",
			Help: "Latency of classification calls to the LLM gateway",
			// 100ms .. ~51s
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"outcome"}, // success, transient, permanent, invalid
	)

	m.riskCardsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churn_risk_cards_created_total",
			Help: "Risk cards opened by the pipeline",
		},
		[]string{"trigger_type"},
	)

	m.importDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "churn_import_duration_seconds",
			Help:    "Wall time of a tenant import run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"status"}, // success, error
	)

	m.suggestionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "churn_rule_suggestions_total",
			Help: "Training rules suggested by the correction detector",
		},
	)
}

// Describe implements the Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ticketsProcessedTotal.Describe(ch)
	m.llmRequestDuration.Describe(ch)
	m.riskCardsCreatedTotal.Describe(ch)
	m.importDuration.Describe(ch)
	m.suggestionsTotal.Describe(ch)
}

// Collect implements the Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ticketsProcessedTotal.Collect(ch)
	m.llmRequestDuration.Collect(ch)
	m.riskCardsCreatedTotal.Collect(ch)
	m.importDuration.Collect(ch)
	m.suggestionsTotal.Collect(ch)
}

func (m *PipelineMetrics) RecordTicketOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ticketsProcessedTotal.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ObserveLLMRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmRequestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *PipelineMetrics) RecordRiskCardCreated(triggerType string) {
	if m == nil {
		return
	}
	m.riskCardsCreatedTotal.WithLabelValues(triggerType).Inc()
}

func (m *PipelineMetrics) ObserveImport(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.importDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *PipelineMetrics) RecordSuggestions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.suggestionsTotal.Add(float64(n))
}

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// RegisterDBStats exposes sql.DB pool statistics under the given name.
func RegisterDBStats(reg *prometheus.Registry, db *sql.DB, name string) error {
	return reg.Register(collectors.NewDBStatsCollector(db, name))
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewPipelineMetrics(registry)
	require.NoError(t, err)

	m.RecordTicketOutcome("analyzed")
	m.RecordTicketOutcome("analyzed")
	m.RecordTicketOutcome("failed")
	m.RecordRiskCardCreated("frustrated_ticket")
	m.ObserveLLMRequest("success", 250*time.Millisecond)
	m.RecordSuggestions(2)
	m.RecordSuggestions(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticketsProcessedTotal.WithLabelValues("analyzed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticketsProcessedTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.riskCardsCreatedTotal.WithLabelValues("frustrated_ticket")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.suggestionsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.llmRequestDuration))
}

func TestNilPipelineMetricsIsNoop(t *testing.T) {
	var m *PipelineMetrics
	assert.NotPanics(t, func() {
		m.RecordTicketOutcome("analyzed")
		m.ObserveLLMRequest("success", time.Second)
		m.RecordRiskCardCreated("frustrated_ticket")
		m.ObserveImport("success", time.Second)
		m.RecordSuggestions(1)
	})
}

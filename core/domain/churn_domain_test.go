package domain

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSentiment(t *testing.T) {
	tests := []struct {
		in      string
		want    Sentiment
		wantErr bool
	}{
		{"negative", SentimentNegative, false},
		{" very_positive ", SentimentVeryPositive, false},
		{"neutral", SentimentNeutral, false},
		{"angry", "", true},
		{"Negative", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSentiment(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSentimentValue)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSentimentIsNegative(t *testing.T) {
	assert.True(t, SentimentNegative.IsNegative())
	assert.True(t, SentimentVeryNegative.IsNegative())
	assert.False(t, SentimentNeutral.IsNegative())
	assert.False(t, SentimentPositive.IsNegative())
	assert.False(t, SentimentVeryPositive.IsNegative())
}

func TestMapTicketStatus(t *testing.T) {
	tests := map[string]TicketStatus{
		"":                   TicketStatusNew,
		"1":                  TicketStatusOpen,
		"NEW":                TicketStatusNew,
		"waiting on contact": TicketStatusWaiting,
		"pending_customer":   TicketStatusWaiting,
		"Closed":             TicketStatusClosed,
		"resolved":           TicketStatusClosed,
		"in progress":        TicketStatusOpen,
	}
	for in, want := range tests {
		assert.Equal(t, want, MapTicketStatus(in), "stage %q", in)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RiskCardStatus
		ok       bool
	}{
		{CardStatusNew, CardStatusWorking, true},
		{CardStatusWorking, CardStatusWaiting, true},
		{CardStatusWaiting, CardStatusWorking, true},
		{CardStatusNew, CardStatusCompleted, true},
		{CardStatusWorking, CardStatusCompleted, true},
		{CardStatusWaiting, CardStatusCompleted, true},
		{CardStatusNew, CardStatusWaiting, false},
		{CardStatusWaiting, CardStatusNew, false},
		{CardStatusCompleted, CardStatusWorking, false},
		{CardStatusCompleted, CardStatusNew, false},
		{CardStatusWorking, CardStatusWorking, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestRuleTrustAsymmetry(t *testing.T) {
	assert.Equal(t, RuleStatusActive, InitialRuleStatus(RuleSourceUser))
	assert.Equal(t, RuleStatusPendingReview, InitialRuleStatus(RuleSourceAI))

	assert.True(t, CanReview(RuleStatusPendingReview, RuleStatusActive))
	assert.True(t, CanReview(RuleStatusPendingReview, RuleStatusRejected))
	assert.False(t, CanReview(RuleStatusActive, RuleStatusRejected))
	assert.False(t, CanReview(RuleStatusRejected, RuleStatusActive))
	assert.False(t, CanReview(RuleStatusPendingReview, RuleStatusPendingReview))
}

func TestValidConfidence(t *testing.T) {
	assert.True(t, ValidConfidence(0))
	assert.True(t, ValidConfidence(1))
	assert.True(t, ValidConfidence(0.85))
	assert.False(t, ValidConfidence(-0.01))
	assert.False(t, ValidConfidence(1.2))
	assert.False(t, ValidConfidence(math.NaN()))
	assert.False(t, ValidConfidence(math.Inf(1)))
}

func TestImportSummaryAdd(t *testing.T) {
	var s ImportSummary
	s.Add(TicketOutcome{Created: true, Kind: OutcomeAnalyzed})
	s.Add(TicketOutcome{Created: false, Kind: OutcomeSkipped})
	s.Add(TicketOutcome{Created: true, Kind: OutcomeFailed})
	s.Add(TicketOutcome{Created: true, Kind: OutcomeSkipped})

	assert.Equal(t, ImportSummary{Imported: 3, Analyzed: 1, Skipped: 2, Failed: 1}, s)
}

func TestAnalysisFailedErrorUnwrap(t *testing.T) {
	id := uuid.New()
	err := error(&AnalysisFailedError{TicketID: id, Reason: "rate limited", Err: ErrTransientRemote})

	assert.True(t, IsRetryable(err))
	assert.False(t, IsInvalidOutput(err))

	var afe *AnalysisFailedError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &afe))
	assert.Equal(t, id, afe.TicketID)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestTicketAnalysisText(t *testing.T) {
	tk := &Ticket{Subject: "Outage", Content: "  Site is down again  "}
	assert.Equal(t, "Subject: Outage\n\nSite is down again", tk.AnalysisText())

	tk = &Ticket{Subject: "Empty", Content: "   "}
	assert.Empty(t, tk.AnalysisText())

	tk = &Ticket{Content: "no subject"}
	assert.Equal(t, "no subject", tk.AnalysisText())
}

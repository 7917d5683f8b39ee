package llm

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churn_server/core/domain"
)

func TestTruncateBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		maxLen   int
		expected string
	}{
		{name: "short body", body: "Hello world", maxLen: 100, expected: "Hello world"},
		{name: "exact length", body: "Hello", maxLen: 5, expected: "Hello"},
		{name: "truncated", body: "Hello world, this is a long message", maxLen: 10, expected: "Hello worl..."},
		{name: "multibyte", body: "héllo wörld", maxLen: 4, expected: "héll..."},
		{name: "no limit", body: "abc", maxLen: 0, expected: "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncateBody(tt.body, tt.maxLen))
		})
	}
}

func TestBuildPromptDeterministic(t *testing.T) {
	in := domain.AnalysisInput{
		TicketID: uuid.New(),
		Content:  "Subject: Charged twice\n\nI was billed twice this month.",
		Topics:   []string{"Billing", "Refunds"},
		Rules: []domain.PromptRule{
			{Topic: "Refunds", Body: "Double charges are refunds."},
			{Topic: "Billing", Body: "Invoice   questions\nare billing."},
		},
	}

	sys1, user1 := BuildPrompt(in, 1000)
	sys2, user2 := BuildPrompt(in, 1000)
	assert.Equal(t, sys1, sys2)
	assert.Equal(t, user1, user2)

	assert.Contains(t, sys1, "pick exactly one of very_negative, negative, neutral, positive, very_positive")
	assert.Contains(t, sys1, "- Billing\n- Refunds\n")
	assert.Contains(t, sys1, "Training rules (apply these when classifying):\n- [Refunds] Double charges are refunds.\n- [Billing] Invoice questions are billing.\n")
	assert.NotContains(t, sys1, "Suggest 2-3")
	assert.True(t, strings.HasPrefix(user1, "Ticket:\n"))
	assert.Contains(t, user1, "I was billed twice this month.")
}

func TestBuildPromptRuleOrderMatters(t *testing.T) {
	a := domain.PromptRule{Topic: "Billing", Body: "first"}
	b := domain.PromptRule{Topic: "Billing", Body: "second"}

	sys1, _ := BuildPrompt(domain.AnalysisInput{Content: "x", Topics: []string{"Billing"}, Rules: []domain.PromptRule{a, b}}, 0)
	sys2, _ := BuildPrompt(domain.AnalysisInput{Content: "x", Topics: []string{"Billing"}, Rules: []domain.PromptRule{b, a}}, 0)
	assert.NotEqual(t, sys1, sys2)
	assert.Less(t, strings.Index(sys1, "first"), strings.Index(sys1, "second"))
}

func TestBuildPromptColdStart(t *testing.T) {
	sys, _ := BuildPrompt(domain.AnalysisInput{Content: "hello", Rules: []domain.PromptRule{{Topic: "X", Body: "ignored"}}}, 0)

	assert.Contains(t, sys, "No topics are defined yet. Suggest 2-3 short topic names")
	assert.NotContains(t, sys, "Training rules")
	assert.NotContains(t, sys, "ignored")
}

func TestParseAnalysis(t *testing.T) {
	vocab := domain.AnalysisInput{Topics: []string{"Billing", "Downtime"}}
	cold := domain.AnalysisInput{}

	tests := []struct {
		name      string
		raw       string
		in        domain.AnalysisInput
		wantErr   error
		topicErr  error
		sentiment domain.Sentiment
		topics    []domain.TopicScore
		proposed  bool
	}{
		{
			name:      "valid with vocabulary",
			raw:       `{"sentiment":{"score":"negative","confidence":0.85,"reasoning":"angry about downtime"},"topics":[{"name":"downtime","confidence":0.9}]}`,
			in:        vocab,
			sentiment: domain.SentimentNegative,
			topics:    []domain.TopicScore{{Name: "Downtime", Confidence: 0.9}},
		},
		{
			name:      "markdown fences",
			raw:       "```json\n{\"sentiment\":{\"score\":\"neutral\",\"confidence\":0.5},\"topics\":[]}\n```",
			in:        vocab,
			sentiment: domain.SentimentNeutral,
		},
		{
			name:    "invalid sentiment",
			raw:     `{"sentiment":{"score":"angry","confidence":0.9},"topics":[]}`,
			in:      vocab,
			wantErr: domain.ErrInvalidSentimentValue,
		},
		{
			name:    "confidence out of range",
			raw:     `{"sentiment":{"score":"negative","confidence":1.4},"topics":[]}`,
			in:      vocab,
			wantErr: domain.ErrInvalidConfidence,
		},
		{
			name:    "confidence quoted",
			raw:     `{"sentiment":{"score":"negative","confidence":"0.8"},"topics":[]}`,
			in:      vocab,
			wantErr: domain.ErrInvalidConfidence,
		},
		{
			name:    "confidence missing",
			raw:     `{"sentiment":{"score":"negative"},"topics":[]}`,
			in:      vocab,
			wantErr: domain.ErrInvalidConfidence,
		},
		{
			name:    "not json",
			raw:     `I think it is negative`,
			in:      vocab,
			wantErr: domain.ErrMalformedResponse,
		},
		{
			name:    "sentiment missing",
			raw:     `{"topics":[]}`,
			in:      vocab,
			wantErr: domain.ErrMalformedResponse,
		},
		{
			name:      "unknown topic keeps sentiment",
			raw:       `{"sentiment":{"score":"very_negative","confidence":0.95},"topics":[{"name":"Shipping","confidence":0.8}]}`,
			in:        vocab,
			sentiment: domain.SentimentVeryNegative,
			topicErr:  domain.ErrUnknownTopic,
		},
		{
			name:      "bad topic confidence keeps sentiment",
			raw:       `{"sentiment":{"score":"positive","confidence":0.8},"topics":[{"name":"Billing","confidence":-1}]}`,
			in:        vocab,
			sentiment: domain.SentimentPositive,
			topicErr:  domain.ErrInvalidConfidence,
		},
		{
			name:      "duplicate topic keeps highest confidence",
			raw:       `{"sentiment":{"score":"neutral","confidence":0.7},"topics":[{"name":"Billing","confidence":0.4},{"name":"billing","confidence":0.8}]}`,
			in:        vocab,
			sentiment: domain.SentimentNeutral,
			topics:    []domain.TopicScore{{Name: "Billing", Confidence: 0.8}},
		},
		{
			name:      "cold start proposals",
			raw:       `{"sentiment":{"score":"negative","confidence":0.8},"topics":[{"name":"Outages","confidence":0.9},{"name":"Reliability","confidence":0.7},{"name":"SLA","confidence":0.6},{"name":"Extra","confidence":0.5}]}`,
			in:        cold,
			sentiment: domain.SentimentNegative,
			topics: []domain.TopicScore{
				{Name: "Outages", Confidence: 0.9},
				{Name: "Reliability", Confidence: 0.7},
				{Name: "SLA", Confidence: 0.6},
			},
			proposed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAnalysis(tt.raw, tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.sentiment, got.Sentiment)
			assert.True(t, domain.ValidConfidence(got.SentimentConfidence))
			assert.Equal(t, tt.proposed, got.Proposed)
			if tt.topicErr != nil {
				assert.ErrorIs(t, got.TopicErr, tt.topicErr)
				assert.Empty(t, got.Topics)
				return
			}
			assert.NoError(t, got.TopicErr)
			assert.Equal(t, tt.topics, got.Topics)
		})
	}
}

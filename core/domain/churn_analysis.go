package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// AnalysisInput is what the classifier needs for one ticket.
type AnalysisInput struct {
	TicketID uuid.UUID
	Content  string
	Topics   []string
	Rules    []PromptRule
}

// ColdStart reports whether the tenant has no topic vocabulary yet.
func (in AnalysisInput) ColdStart() bool {
	return len(in.Topics) == 0
}

// TopicScore is one topic decision with its confidence.
type TopicScore struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// AnalysisResult is a validated classifier answer. Sentiment and topics are
// independently salvageable: TopicErr set means only the topic part failed.
type AnalysisResult struct {
	Sentiment           Sentiment     `json:"sentiment"`
	SentimentConfidence float64       `json:"sentiment_confidence"`
	SentimentReasoning  string        `json:"sentiment_reasoning,omitempty"`
	Topics              []TopicScore  `json:"topics"`
	Proposed            bool          `json:"proposed"`
	TopicErr            error         `json:"-"`
	Model               string        `json:"model,omitempty"`
	Latency             time.Duration `json:"-"`
}

// ValidConfidence reports whether c is a finite number in [0,1].
func ValidConfidence(c float64) bool {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return false
	}
	return c >= 0 && c <= 1
}

// BelowFloor reports whether a confidence should be flagged for review.
func BelowFloor(c, floor float64) bool {
	return c < floor
}

// OutcomeKind is the per-ticket result of an import.
type OutcomeKind string

const (
	OutcomeImported OutcomeKind = "imported"
	OutcomeAnalyzed OutcomeKind = "analyzed"
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeFailed   OutcomeKind = "failed"
)

// TicketOutcome is what happened to one ticket. Created is true when the
// upsert inserted a new row; a new row that then analyzed counts in both.
type TicketOutcome struct {
	ExternalID string
	TicketID   uuid.UUID
	Created    bool
	Kind       OutcomeKind
	Err        error
}

// ImportSummary aggregates per-ticket outcomes.
type ImportSummary struct {
	Imported int `json:"imported"`
	Analyzed int `json:"analyzed"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Add folds one outcome into the summary.
func (s *ImportSummary) Add(o TicketOutcome) {
	if o.Created {
		s.Imported++
	}
	switch o.Kind {
	case OutcomeAnalyzed:
		s.Analyzed++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

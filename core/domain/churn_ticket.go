package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentiment is the ordinal five-point sentiment scale.
type Sentiment string

const (
	SentimentVeryNegative Sentiment = "very_negative"
	SentimentNegative     Sentiment = "negative"
	SentimentNeutral      Sentiment = "neutral"
	SentimentPositive     Sentiment = "positive"
	SentimentVeryPositive Sentiment = "very_positive"
)

// Sentiments lists the scale from most negative to most positive.
var Sentiments = []Sentiment{
	SentimentVeryNegative,
	SentimentNegative,
	SentimentNeutral,
	SentimentPositive,
	SentimentVeryPositive,
}

// ParseSentiment accepts exactly one of the five scale values.
func ParseSentiment(s string) (Sentiment, error) {
	v := Sentiment(strings.TrimSpace(s))
	if v.Valid() {
		return v, nil
	}
	return "", ErrInvalidSentimentValue
}

func (s Sentiment) Valid() bool {
	for _, v := range Sentiments {
		if s == v {
			return true
		}
	}
	return false
}

// IsNegative reports whether the sentiment triggers a risk card.
func (s Sentiment) IsNegative() bool {
	return s == SentimentNegative || s == SentimentVeryNegative
}

// TicketStatus is the normalized pipeline stage of a ticket.
type TicketStatus string

const (
	TicketStatusNew     TicketStatus = "new"
	TicketStatusOpen    TicketStatus = "open"
	TicketStatusWaiting TicketStatus = "waiting"
	TicketStatusClosed  TicketStatus = "closed"
)

// MapTicketStatus folds a free-form source stage into the four known statuses.
func MapTicketStatus(stage string) TicketStatus {
	s := strings.ToLower(stage)
	switch {
	case s == "":
		return TicketStatusNew
	case strings.Contains(s, "new"):
		return TicketStatusNew
	case strings.Contains(s, "waiting"), strings.Contains(s, "pending"):
		return TicketStatusWaiting
	case strings.Contains(s, "closed"), strings.Contains(s, "resolved"):
		return TicketStatusClosed
	default:
		return TicketStatusOpen
	}
}

// Ticket is one support interaction. SentimentAnalyzedAt is the cache marker:
// once set, import never analyzes the ticket again.
type Ticket struct {
	ID         uuid.UUID    `json:"id"`
	TenantID   uuid.UUID    `json:"tenant_id"`
	ExternalID string       `json:"external_id"`
	Subject    string       `json:"subject"`
	Content    string       `json:"content"`
	Status     TicketStatus `json:"status"`
	Priority   string       `json:"priority,omitempty"`
	URL        string       `json:"external_url,omitempty"`

	CompanyID *uuid.UUID `json:"company_id,omitempty"`
	ContactID *uuid.UUID `json:"contact_id,omitempty"`

	SentimentScore      *Sentiment `json:"sentiment_score,omitempty"`
	SentimentConfidence *float64   `json:"sentiment_confidence,omitempty"`
	SentimentReasoning  string     `json:"sentiment_reasoning,omitempty"`
	SentimentAnalyzedAt *time.Time `json:"sentiment_analyzed_at,omitempty"`
	NeedsReview         bool       `json:"needs_review"`

	AnalysisError     string     `json:"analysis_error,omitempty"`
	AnalysisAttempts  int        `json:"analysis_attempts"`
	AnalysisClaimedAt *time.Time `json:"-"`

	SourceCreatedAt *time.Time `json:"source_created_at,omitempty"`
	SourceUpdatedAt *time.Time `json:"source_updated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Analyzed reports whether the cache marker is set.
func (t *Ticket) Analyzed() bool {
	return t.SentimentAnalyzedAt != nil
}

// AnalysisText is what the classifier sees for a ticket.
func (t *Ticket) AnalysisText() string {
	body := strings.TrimSpace(t.Content)
	if body == "" {
		return ""
	}
	if subject := strings.TrimSpace(t.Subject); subject != "" {
		return "Subject: " + subject + "\n\n" + body
	}
	return body
}

// TicketView is a ticket with its resolved associations for listing.
type TicketView struct {
	Ticket
	Company *Company           `json:"company,omitempty"`
	Contact *Contact           `json:"contact,omitempty"`
	Topics  []*TopicAssignment `json:"topics"`
}

// TicketFilter narrows ticket listings. Results are newest first.
type TicketFilter struct {
	Sentiment *Sentiment
	Limit     int
	Offset    int
}

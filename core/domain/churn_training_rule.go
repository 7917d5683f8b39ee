package domain

import (
	"time"

	"github.com/google/uuid"
)

// RuleSource records who wrote a rule.
type RuleSource string

const (
	RuleSourceUser RuleSource = "user_authored"
	RuleSourceAI   RuleSource = "ai_suggested"
)

// RuleStatus gates whether a rule reaches the prompt.
type RuleStatus string

const (
	RuleStatusActive        RuleStatus = "active"
	RuleStatusPendingReview RuleStatus = "pending_review"
	RuleStatusRejected      RuleStatus = "rejected"
)

func (s RuleStatus) Valid() bool {
	switch s {
	case RuleStatusActive, RuleStatusPendingReview, RuleStatusRejected:
		return true
	}
	return false
}

// TrainingRule is a natural-language instruction bound to a topic.
type TrainingRule struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	TopicID       uuid.UUID  `json:"topic_id"`
	TopicName     string     `json:"topic_name,omitempty"`
	Body          string     `json:"body"`
	Source        RuleSource `json:"source"`
	Status        RuleStatus `json:"status"`
	EvidenceCount int        `json:"evidence_count"`
	PatternKey    string     `json:"pattern_key,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty"`
}

// InitialRuleStatus returns the status a new rule starts in. User rules are
// trusted and active at once; suggested rules wait for review.
func InitialRuleStatus(src RuleSource) RuleStatus {
	if src == RuleSourceUser {
		return RuleStatusActive
	}
	return RuleStatusPendingReview
}

// CanReview reports whether a rule in status from may move to to.
// Only pending_review rules are reviewable.
func CanReview(from, to RuleStatus) bool {
	if from != RuleStatusPendingReview {
		return false
	}
	return to == RuleStatusActive || to == RuleStatusRejected
}

// PromptRule is an active rule as the classifier sees it.
type PromptRule struct {
	Topic string
	Body  string
}

// PromptContext is everything a tenant contributes to a classification prompt.
type PromptContext struct {
	Topics []*Topic
	Rules  []PromptRule
}

// TopicNames returns active topic names in their stored order.
func (p *PromptContext) TopicNames() []string {
	names := make([]string, 0, len(p.Topics))
	for _, t := range p.Topics {
		names = append(names, t.Name)
	}
	return names
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Topic is a tenant-defined category. Inactive topics keep their assignments
// but are no longer offered to the classifier.
type Topic struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	TrainingPrompt string    `json:"training_prompt,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// AssignedBy discriminates model decisions from human ones.
type AssignedBy string

const (
	AssignedByAI   AssignedBy = "ai"
	AssignedByUser AssignedBy = "user"
)

// TopicAssignment joins a ticket to a topic.
type TopicAssignment struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	TicketID     uuid.UUID  `json:"ticket_id"`
	TopicID      uuid.UUID  `json:"topic_id"`
	TopicName    string     `json:"topic_name,omitempty"`
	Confidence   *float64   `json:"confidence,omitempty"`
	AssignedBy   AssignedBy `json:"assigned_by"`
	NeedsReview  bool       `json:"needs_review"`
	AssignedAt   time.Time  `json:"assigned_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// Correction is a user assignment that disagrees with the latest AI
// assignment of the same ticket.
type Correction struct {
	TicketID      uuid.UUID
	FromTopicID   uuid.UUID
	FromTopicName string
	ToTopicID     uuid.UUID
	ToTopicName   string
	Subject       string
	Content       string
	CorrectedAt   time.Time
}

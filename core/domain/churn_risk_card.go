package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType is what caused a risk card to be opened.
type TriggerType string

const (
	TriggerFrustratedTicket   TriggerType = "frustrated_ticket"
	TriggerSignificantSupport TriggerType = "significant_support"
	TriggerSilentlyStruggling TriggerType = "silently_struggling"
)

// RiskCardStatus is the lifecycle state of a card.
type RiskCardStatus string

const (
	CardStatusNew       RiskCardStatus = "new"
	CardStatusWorking   RiskCardStatus = "working"
	CardStatusWaiting   RiskCardStatus = "waiting"
	CardStatusCompleted RiskCardStatus = "completed"
)

func (s RiskCardStatus) Valid() bool {
	switch s {
	case CardStatusNew, CardStatusWorking, CardStatusWaiting, CardStatusCompleted:
		return true
	}
	return false
}

var cardTransitions = map[RiskCardStatus][]RiskCardStatus{
	CardStatusNew:     {CardStatusWorking, CardStatusCompleted},
	CardStatusWorking: {CardStatusWaiting, CardStatusCompleted},
	CardStatusWaiting: {CardStatusWorking, CardStatusCompleted},
}

// CanTransition reports whether a card may move from one status to another.
// Completed is terminal.
func CanTransition(from, to RiskCardStatus) bool {
	for _, next := range cardTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RiskCard tracks one at-risk customer instance.
type RiskCard struct {
	ID          uuid.UUID      `json:"id"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	TriggerType TriggerType    `json:"trigger_type"`
	Status      RiskCardStatus `json:"status"`
	TicketID    *uuid.UUID     `json:"ticket_id,omitempty"`
	CompanyID   *uuid.UUID     `json:"company_id,omitempty"`
	ContactID   *uuid.UUID     `json:"contact_id,omitempty"`
	OwnerID     *uuid.UUID     `json:"owner_id,omitempty"`
	NeedsReview bool           `json:"needs_review"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`

	Comments []*RiskCardComment `json:"comments,omitempty"`
}

// IsOpen reports whether the card still counts against the one-open-card-per-ticket rule.
func (c *RiskCard) IsOpen() bool {
	return c.Status != CardStatusCompleted
}

// CommentKind separates audit entries from human notes.
type CommentKind string

const (
	CommentSystem CommentKind = "system"
	CommentUser   CommentKind = "user"
)

// RiskCardComment is an append-only timeline entry.
type RiskCardComment struct {
	ID        uuid.UUID   `json:"id"`
	TenantID  uuid.UUID   `json:"tenant_id"`
	CardID    uuid.UUID   `json:"card_id"`
	AuthorID  *uuid.UUID  `json:"author_id,omitempty"`
	Kind      CommentKind `json:"kind"`
	Body      string      `json:"body"`
	CreatedAt time.Time   `json:"created_at"`
}

// RiskCardFilter narrows card listings.
type RiskCardFilter struct {
	Status  *RiskCardStatus
	OwnerID *uuid.UUID
	Limit   int
	Offset  int
}

// RiskCardUpdate is a single guarded mutation of a card. The store applies it
// only if the card is still in ExpectStatus.
type RiskCardUpdate struct {
	CardID       uuid.UUID
	ExpectStatus RiskCardStatus
	Status       RiskCardStatus
	OwnerID      *uuid.UUID
	CompletedAt  *time.Time
	UpdatedAt    time.Time
	Comment      *RiskCardComment
}

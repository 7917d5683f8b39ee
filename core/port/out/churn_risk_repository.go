package out

import (
	"context"

	"github.com/google/uuid"

	"churn_server/core/domain"
)

// RiskCardRepository persists risk cards and their append-only timeline.
// Every write that changes a card appends its comment in the same transaction.
type RiskCardRepository interface {
	// Create fails with domain.ErrDuplicateTrigger when an open card already
	// references the ticket.
	Create(ctx context.Context, card *domain.RiskCard, comment *domain.RiskCardComment) error
	FindOpenByTicket(ctx context.Context, tenantID, ticketID uuid.UUID) (*domain.RiskCard, error)
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.RiskCard, error)
	List(ctx context.Context, tenantID uuid.UUID, filter *domain.RiskCardFilter) ([]*domain.RiskCard, int, error)
	// Update applies a guarded mutation. It fails with
	// domain.ErrInvalidCardTransition if the card left ExpectStatus meanwhile.
	Update(ctx context.Context, tenantID uuid.UUID, upd *domain.RiskCardUpdate) (*domain.RiskCard, error)
	AppendComment(ctx context.Context, comment *domain.RiskCardComment) error
}

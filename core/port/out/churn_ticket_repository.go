package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"churn_server/core/domain"
)

// TicketRepository persists tickets and their analysis state.
type TicketRepository interface {
	// UpsertAndClaim inserts or updates a ticket by (tenant, external id) and,
	// in the same transaction, claims it for analysis when it has content,
	// no cache marker and no live claim. Sentiment fields are never touched.
	UpsertAndClaim(ctx context.Context, tenantID uuid.UUID, in *TicketUpsert, claimTTL time.Duration) (*ClaimResult, error)

	// SaveAnalysis writes sentiment, AI topic assignments and the planned risk
	// card in one transaction, guarded by the cache marker still holding
	// save.Expected. Current AI assignments from an earlier run are superseded,
	// not deleted. Saved is false when another writer got there first.
	SaveAnalysis(ctx context.Context, tenantID uuid.UUID, save *AnalysisSave) (*SaveResult, error)

	// RecordFailure releases the claim and records the last failure reason.
	RecordFailure(ctx context.Context, tenantID, ticketID uuid.UUID, reason string) error

	GetByID(ctx context.Context, tenantID, ticketID uuid.UUID) (*domain.Ticket, error)
	List(ctx context.Context, tenantID uuid.UUID, filter *domain.TicketFilter) ([]*domain.TicketView, int, error)
}

// TicketUpsert carries a source ticket with the associations to resolve.
type TicketUpsert struct {
	Ticket  *domain.Ticket
	Company *CompanyRef
	Contact *ContactRef
}

// ClaimResult is the state of a ticket after upsert.
type ClaimResult struct {
	Ticket  *domain.Ticket
	Created bool
	Claimed bool
}

// AnalysisSave is the persisted form of a successful analysis.
type AnalysisSave struct {
	TicketID    uuid.UUID
	Sentiment   domain.Sentiment
	Confidence  float64
	Reasoning   string
	NeedsReview bool
	AnalyzedAt  time.Time
	Assignments []*domain.TopicAssignment

	// Expected is the analysis stamp being replaced; nil for a first analysis.
	Expected *time.Time

	// Card is inserted unless an open card already references the ticket.
	Card        *domain.RiskCard
	CardComment *domain.RiskCardComment
}

// SaveResult reports what SaveAnalysis wrote.
type SaveResult struct {
	Saved      bool
	CardOpened bool
}

// Package in declares the use cases the inbound adapters drive.
package in

import (
	"context"
	"time"

	"github.com/google/uuid"

	"churn_server/core/domain"
)

// ImportService pulls recent tickets from the tenant's source and analyzes them.
type ImportService interface {
	ImportRecent(ctx context.Context, tenantID uuid.UUID, window time.Duration) (domain.ImportSummary, error)
}

// TicketService covers listing, manual reclassification and explicit re-analysis.
type TicketService interface {
	List(ctx context.Context, tenantID uuid.UUID, filter domain.TicketFilter) ([]*domain.TicketView, int, error)
	Get(ctx context.Context, tenantID, ticketID uuid.UUID) (*domain.Ticket, error)
	Reclassify(ctx context.Context, tenantID, ticketID uuid.UUID, topicIDs []uuid.UUID) ([]*domain.TopicAssignment, error)
	Reanalyze(ctx context.Context, tenantID, ticketID uuid.UUID) (*domain.Ticket, error)
}

// RuleService manages topics and the training rules injected into the prompt.
type RuleService interface {
	CreateTopic(ctx context.Context, tenantID uuid.UUID, name, description string) (*domain.Topic, error)
	ListTopics(ctx context.Context, tenantID uuid.UUID, includeInactive bool) ([]*domain.Topic, error)
	DeactivateTopic(ctx context.Context, tenantID, topicID uuid.UUID) error

	CreateUserRule(ctx context.Context, tenantID, topicID uuid.UUID, body string) (*domain.TrainingRule, error)
	ListRules(ctx context.Context, tenantID uuid.UUID, status *domain.RuleStatus) ([]*domain.TrainingRule, error)
	PromoteRule(ctx context.Context, tenantID, ruleID uuid.UUID) (*domain.TrainingRule, error)
	RejectRule(ctx context.Context, tenantID, ruleID uuid.UUID) (*domain.TrainingRule, error)
	DetectSuggestions(ctx context.Context, tenantID uuid.UUID) ([]*domain.TrainingRule, error)
}

// RiskCardService drives the risk card workflow.
type RiskCardService interface {
	List(ctx context.Context, tenantID uuid.UUID, filter *domain.RiskCardFilter) ([]*domain.RiskCard, int, error)
	Get(ctx context.Context, tenantID, cardID uuid.UUID) (*domain.RiskCard, error)
	AssignOwner(ctx context.Context, tenantID, cardID, ownerID uuid.UUID, actorID *uuid.UUID) (*domain.RiskCard, error)
	Transition(ctx context.Context, tenantID, cardID uuid.UUID, to domain.RiskCardStatus, actorID *uuid.UUID) (*domain.RiskCard, error)
	AddComment(ctx context.Context, tenantID, cardID uuid.UUID, authorID *uuid.UUID, body string) (*domain.RiskCardComment, error)
}

// TenantService reads tenants and removes them with everything they own.
type TenantService interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*domain.Tenant, error)
	Teardown(ctx context.Context, tenantID uuid.UUID) (*domain.TeardownReport, error)
}

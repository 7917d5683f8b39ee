package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"churn_server/core/domain"
)

// TopicRepository persists topics and topic assignments.
type TopicRepository interface {
	Create(ctx context.Context, topic *domain.Topic) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.Topic, error)
	// List returns topics in creation order.
	List(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]*domain.Topic, error)
	Deactivate(ctx context.Context, tenantID, id uuid.UUID) error
	// EnsureByName creates any missing topic and returns one topic per name, in order.
	EnsureByName(ctx context.Context, tenantID uuid.UUID, names []string) ([]*domain.Topic, error)

	// AssignByUser supersedes the ticket's current assignments and records
	// the given topics as user decisions.
	AssignByUser(ctx context.Context, tenantID, ticketID uuid.UUID, topicIDs []uuid.UUID, at time.Time) ([]*domain.TopicAssignment, error)
	// ListCorrections returns user assignments made since the given time that
	// disagree with the latest AI assignment of the same ticket.
	ListCorrections(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]*domain.Correction, error)
}

// RuleRepository persists training rules.
type RuleRepository interface {
	Create(ctx context.Context, rule *domain.TrainingRule) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.TrainingRule, error)
	List(ctx context.Context, tenantID uuid.UUID, status *domain.RuleStatus) ([]*domain.TrainingRule, error)
	// ListActive returns active rules on active topics in creation order.
	ListActive(ctx context.Context, tenantID uuid.UUID) ([]*domain.TrainingRule, error)
	// Review moves a rule from one status to another. It fails with
	// domain.ErrInvalidRuleTransition if the rule is no longer in from.
	Review(ctx context.Context, tenantID, id uuid.UUID, from, to domain.RuleStatus, at time.Time) (*domain.TrainingRule, error)
	// LatestSuggestion returns the newest ai_suggested rule for the pattern,
	// or domain.ErrNotFound.
	LatestSuggestion(ctx context.Context, tenantID uuid.UUID, patternKey string) (*domain.TrainingRule, error)
}

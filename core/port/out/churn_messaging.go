package out

import (
	"context"
	"time"

	"github.com/google/uuid"

	"churn_server/core/domain"
)

// ImportLock serializes imports per tenant.
type ImportLock interface {
	// TryLock never waits. ok is false when someone else holds the lock.
	TryLock(ctx context.Context, tenantID uuid.UUID, ttl time.Duration) (unlock func(), ok bool, err error)
}

// EventPublisher emits domain events for downstream consumers.
type EventPublisher interface {
	PublishRiskCardCreated(ctx context.Context, card *domain.RiskCard) error
}

// ImportJobProducer schedules imports for the worker.
type ImportJobProducer interface {
	PublishImportJob(ctx context.Context, job *ImportJob) error
}

// ImportJob asks the worker to import a tenant's recent tickets.
type ImportJob struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	WindowDays int       `json:"window_days"`
	Requested  time.Time `json:"requested_at"`
}

// RiskCardEvent is the payload published when a card opens.
type RiskCardEvent struct {
	Type        string             `json:"type"`
	TenantID    uuid.UUID          `json:"tenant_id"`
	CardID      uuid.UUID          `json:"card_id"`
	TicketID    *uuid.UUID         `json:"ticket_id,omitempty"`
	TriggerType domain.TriggerType `json:"trigger_type"`
	NeedsReview bool               `json:"needs_review"`
	CreatedAt   time.Time          `json:"created_at"`
}

// PromptCacheBus fans prompt context invalidations out to every process
// holding a cached copy.
type PromptCacheBus interface {
	PublishInvalidation(ctx context.Context, tenantID uuid.UUID) error
	// ListenInvalidations blocks until ctx ends. onReset runs each time the
	// subscription is (re)established, because messages published while
	// disconnected are lost.
	ListenInvalidations(ctx context.Context, onTenant func(uuid.UUID), onReset func()) error
}

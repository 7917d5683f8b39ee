package out

import (
	"context"

	"github.com/google/uuid"

	"churn_server/core/domain"
)

// TenantRepository covers tenant lookup, integration credentials and teardown.
type TenantRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
	GetIntegration(ctx context.Context, tenantID uuid.UUID, kind domain.IntegrationKind) (*domain.Integration, error)
	SaveIntegrationToken(ctx context.Context, integration *domain.Integration) error
	// ListWithIntegration returns the tenants that have the given source connected.
	ListWithIntegration(ctx context.Context, kind domain.IntegrationKind) ([]uuid.UUID, error)
	// Teardown deletes every entity the tenant owns, in dependency order, in one transaction.
	Teardown(ctx context.Context, tenantID uuid.UUID) (*domain.TeardownReport, error)
}

package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"churn_server/core/domain"
	"churn_server/core/port/out"
	"churn_server/pkg/logger"
)

// CacheInvalidator drops per-tenant cached state.
type CacheInvalidator interface {
	Invalidate(tenantID uuid.UUID)
}

// Service runs tenant-level maintenance.
type Service struct {
	tenants out.TenantRepository
	archive out.RawTicketArchive
	caches  []CacheInvalidator
}

func NewService(tenants out.TenantRepository, archive out.RawTicketArchive, caches ...CacheInvalidator) *Service {
	return &Service{tenants: tenants, archive: archive, caches: caches}
}

func (s *Service) Get(ctx context.Context, tenantID uuid.UUID) (*domain.Tenant, error) {
	t, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return t, nil
}

// Teardown deletes the tenant and everything it owns. Relational data goes in
// one transaction; archived payloads are purged afterwards.
func (s *Service) Teardown(ctx context.Context, tenantID uuid.UUID) (*domain.TeardownReport, error) {
	if _, err := s.tenants.GetByID(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	report, err := s.tenants.Teardown(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("teardown tenant: %w", err)
	}
	for _, c := range s.caches {
		c.Invalidate(tenantID)
	}

	if s.archive != nil {
		n, err := s.archive.Purge(ctx, tenantID)
		if err != nil {
			// relational data is gone already; the archive can be purged again
			logger.WithError(err).WithField("tenant_id", tenantID).Error("[TenantService] failed to purge raw ticket archive")
		} else {
			report.Deleted["raw_tickets"] = n
		}
	}

	logger.WithFields(map[string]any{
		"tenant_id": tenantID,
		"deleted":   report.Deleted,
	}).Info("[TenantService] tenant torn down")
	return report, nil
}

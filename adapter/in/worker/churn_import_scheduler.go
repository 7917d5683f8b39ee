package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"churn_server/core/domain"
	"churn_server/core/port/out"
)

// TenantLister finds tenants with a connected ticket source.
type TenantLister interface {
	ListWithIntegration(ctx context.Context, kind domain.IntegrationKind) ([]uuid.UUID, error)
}

// ImportScheduler enqueues an import job per connected tenant on a fixed
// interval. The per-tenant import lock keeps a scheduled run from
// overlapping a manual one.
type ImportScheduler struct {
	tenants    TenantLister
	producer   out.ImportJobProducer
	interval   time.Duration
	windowDays int
	log        zerolog.Logger
}

func NewImportScheduler(tenants TenantLister, producer out.ImportJobProducer, interval time.Duration, windowDays int, log zerolog.Logger) *ImportScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ImportScheduler{
		tenants:    tenants,
		producer:   producer,
		interval:   interval,
		windowDays: windowDays,
		log:        log.With().Str("component", "import_scheduler").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (s *ImportScheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("starting import scheduler")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("import scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Enqueue(ctx)
		}
	}
}

// Enqueue publishes one job per connected tenant and returns how many were published.
func (s *ImportScheduler) Enqueue(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	ids, err := s.tenants.ListWithIntegration(ctx, domain.IntegrationHubSpot)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list connected tenants")
		return 0
	}

	published := 0
	for _, id := range ids {
		job := &out.ImportJob{TenantID: id, WindowDays: s.windowDays, Requested: time.Now().UTC()}
		if err := s.producer.PublishImportJob(ctx, job); err != nil {
			s.log.Error().Err(err).Str("tenant_id", id.String()).Msg("failed to publish import job")
			continue
		}
		published++
	}
	if published > 0 {
		s.log.Info().Int("jobs", published).Msg("scheduled imports")
	}
	return published
}

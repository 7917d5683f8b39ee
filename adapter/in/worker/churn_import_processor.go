// Package worker runs the out-of-band side of the service: scheduled
// imports and the consumers of the Redis streams.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"churn_server/core/domain"
	"churn_server/core/port/out"
)

// Importer runs one import for a tenant.
type Importer interface {
	ImportRecent(ctx context.Context, tenantID uuid.UUID, window time.Duration) (domain.ImportSummary, error)
}

// Suggester looks for new rule suggestions after fresh corrections may have landed.
type Suggester interface {
	DetectSuggestions(ctx context.Context, tenantID uuid.UUID) ([]*domain.TrainingRule, error)
}

// ImportProcessor executes import jobs taken from the import stream.
type ImportProcessor struct {
	importer  Importer
	suggester Suggester
	timeout   time.Duration
	log       zerolog.Logger
}

// NewImportProcessor creates an import processor. suggester may be nil.
func NewImportProcessor(importer Importer, suggester Suggester, timeout time.Duration, log zerolog.Logger) *ImportProcessor {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &ImportProcessor{
		importer:  importer,
		suggester: suggester,
		timeout:   timeout,
		log:       log.With().Str("component", "import_processor").Logger(),
	}
}

// Process runs the job. Errors that a retry cannot fix are logged and
// swallowed so the entry is acknowledged.
func (p *ImportProcessor) Process(ctx context.Context, data []byte) error {
	var job out.ImportJob
	if err := json.Unmarshal(data, &job); err != nil {
		p.log.Warn().Err(err).Msg("dropping malformed import job")
		return nil
	}
	if job.TenantID == uuid.Nil {
		p.log.Warn().Msg("dropping import job without tenant")
		return nil
	}

	log := p.log.With().Str("tenant_id", job.TenantID.String()).Logger()
	window := time.Duration(job.WindowDays) * 24 * time.Hour

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	summary, err := p.importer.ImportRecent(ctx, job.TenantID, window)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrImportInProgress):
		log.Info().Msg("import already running, skipping job")
		return nil
	case errors.Is(err, domain.ErrIntegrationNotFound), errors.Is(err, domain.ErrNotFound):
		log.Warn().Err(err).Msg("tenant cannot be imported, dropping job")
		return nil
	default:
		return fmt.Errorf("import tenant %s: %w", job.TenantID, err)
	}

	log.Info().
		Int("imported", summary.Imported).
		Int("analyzed", summary.Analyzed).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("took", time.Since(start)).
		Msg("import finished")

	if p.suggester != nil {
		created, err := p.suggester.DetectSuggestions(ctx, job.TenantID)
		if err != nil {
			log.Error().Err(err).Msg("suggestion detection failed")
		} else if len(created) > 0 {
			log.Info().Int("suggestions", len(created)).Msg("new rule suggestions")
		}
	}
	return nil
}

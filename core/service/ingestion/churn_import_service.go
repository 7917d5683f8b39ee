package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"churn_server/core/domain"
	"churn_server/core/port/out"
	"churn_server/pkg/logger"
	"churn_server/pkg/metrics"
)

const (
	defaultSubject = "No Subject"
	maxPages       = 500
)

// Config holds import tunables.
type Config struct {
	Window          time.Duration
	BatchSize       int
	ConfidenceFloor float64
	// ClaimTTL bounds how long a crashed importer can hold a ticket.
	ClaimTTL time.Duration
	LockTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:          7 * 24 * time.Hour,
		BatchSize:       10,
		ConfidenceFloor: 0.7,
		ClaimTTL:        5 * time.Minute,
		LockTTL:         15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = def.ConfidenceFloor
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = def.ClaimTTL
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	return c
}

// PromptContextProvider supplies the tenant's vocabulary and active rules.
type PromptContextProvider interface {
	PromptContext(ctx context.Context, tenantID uuid.UUID) (*domain.PromptContext, error)
}

// TopicEnsurer turns cold-start proposals into topic rows.
type TopicEnsurer interface {
	EnsureTopics(ctx context.Context, tenantID uuid.UUID, names []string) ([]*domain.Topic, error)
}

// RiskPlanner decides which card an analysis opens. The card is stored in
// the same transaction as the analysis and announced after commit.
type RiskPlanner interface {
	PlanCard(ticket *domain.Ticket) (*domain.RiskCard, *domain.RiskCardComment)
	CardOpened(ctx context.Context, card *domain.RiskCard)
}

// Deps groups the collaborators of the import service.
type Deps struct {
	Sources  out.TicketSourceFactory
	Tickets  out.TicketRepository
	Analyzer out.Analyzer
	Prompts  PromptContextProvider
	Topics   TopicEnsurer
	Risk     RiskPlanner
	Lock     out.ImportLock
	Archive  out.RawTicketArchive
	Metrics  *metrics.PipelineMetrics
}

// Service imports recent tickets and runs each new one through analysis
// and risk evaluation.
type Service struct {
	sources  out.TicketSourceFactory
	tickets  out.TicketRepository
	analyzer out.Analyzer
	prompts  PromptContextProvider
	topics   TopicEnsurer
	risk     RiskPlanner
	lock     out.ImportLock
	archive  out.RawTicketArchive
	metrics  *metrics.PipelineMetrics
	cfg      Config
	now      func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	return &Service{
		sources:  deps.Sources,
		tickets:  deps.Tickets,
		analyzer: deps.Analyzer,
		prompts:  deps.Prompts,
		topics:   deps.Topics,
		risk:     deps.Risk,
		lock:     deps.Lock,
		archive:  deps.Archive,
		metrics:  deps.Metrics,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// ImportRecent fetches tickets created within window and processes them.
// A zero window uses the configured default. Per-ticket failures only show
// up in the summary. On cancellation the partial summary is returned along
// with ctx.Err().
func (s *Service) ImportRecent(ctx context.Context, tenantID uuid.UUID, window time.Duration) (domain.ImportSummary, error) {
	var summary domain.ImportSummary
	if window <= 0 {
		window = s.cfg.Window
	}
	start := s.now()
	log := logger.WithField("tenant_id", tenantID)

	if s.lock != nil {
		unlock, ok, err := s.lock.TryLock(ctx, tenantID, s.cfg.LockTTL)
		if err != nil {
			return summary, fmt.Errorf("acquire import lock: %w", err)
		}
		if !ok {
			return summary, domain.ErrImportInProgress
		}
		defer unlock()
	}

	source, err := s.sources.Source(ctx, tenantID)
	if err != nil {
		s.metrics.ObserveImport("error", s.now().Sub(start))
		return summary, fmt.Errorf("resolve ticket source: %w", err)
	}

	raws, err := s.fetchAll(ctx, source, start.Add(-window))
	if err != nil {
		s.metrics.ObserveImport("source_error", s.now().Sub(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return summary, ctxErr
		}
		log.WithError(err).Error("[Import] ticket source unavailable")
		return summary, fmt.Errorf("%w: %v", domain.ErrExternalSourceUnavailable, err)
	}
	log.Info("[Import] fetched %d tickets (window %s)", len(raws), window)

	if s.archive != nil && len(raws) > 0 {
		if err := s.archive.Archive(ctx, tenantID, raws); err != nil {
			log.WithError(err).Warn("[Import] failed to archive raw tickets")
		}
	}

	outcomes := make([]*domain.TicketOutcome, len(raws))
	next := 0
	if s.coldStart(ctx, tenantID) {
		// Tickets go one at a time until one reaches the model, so the topics
		// it proposes become the vocabulary for the rest of the batch.
		for ; next < len(raws) && ctx.Err() == nil; next++ {
			o := s.processTicket(ctx, tenantID, &raws[next])
			outcomes[next] = &o
			if o.Kind != domain.OutcomeSkipped {
				next++
				break
			}
		}
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.BatchSize)
	for i := next; i < len(raws); i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			o := s.processTicket(ctx, tenantID, &raws[i])
			outcomes[i] = &o
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o == nil {
			continue
		}
		summary.Add(*o)
		s.metrics.RecordTicketOutcome(string(o.Kind))
	}

	elapsed := s.now().Sub(start)
	if err := ctx.Err(); err != nil {
		s.metrics.ObserveImport("cancelled", elapsed)
		log.WithDuration(elapsed).Warn("[Import] cancelled: %+v", summary)
		return summary, err
	}

	s.metrics.ObserveImport("ok", elapsed)
	log.WithDuration(elapsed).WithFields(map[string]any{
		"imported": summary.Imported,
		"analyzed": summary.Analyzed,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
	}).Info("[Import] complete")
	return summary, nil
}

// coldStart reports whether the tenant has no topics yet. Errors count as
// warm; analysis will surface them per ticket.
func (s *Service) coldStart(ctx context.Context, tenantID uuid.UUID) bool {
	pc, err := s.prompts.PromptContext(ctx, tenantID)
	if err != nil {
		return false
	}
	return len(pc.Topics) == 0
}

func (s *Service) fetchAll(ctx context.Context, source out.TicketSource, createdAfter time.Time) ([]out.RawTicket, error) {
	var (
		all    []out.RawTicket
		cursor string
	)
	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("pagination exceeded %d pages", maxPages)
		}
		res, err := source.FetchTickets(ctx, createdAfter, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, res.Results...)
		if res.NextCursor == "" {
			return all, nil
		}
		if res.NextCursor == cursor {
			return nil, fmt.Errorf("cursor %q did not advance", cursor)
		}
		cursor = res.NextCursor
	}
}

// processTicket runs upsert, claim and analysis for one ticket. The risk
// card, if any, is written with the analysis.
func (s *Service) processTicket(ctx context.Context, tenantID uuid.UUID, raw *out.RawTicket) domain.TicketOutcome {
	outcome := domain.TicketOutcome{ExternalID: raw.ExternalID}
	log := logger.WithFields(map[string]any{"tenant_id": tenantID, "external_id": raw.ExternalID})

	upsert, err := toUpsert(raw)
	if err != nil {
		log.WithError(err).Warn("[Import] rejected source ticket")
		outcome.Kind, outcome.Err = domain.OutcomeFailed, err
		return outcome
	}

	claim, err := s.tickets.UpsertAndClaim(ctx, tenantID, upsert, s.cfg.ClaimTTL)
	if err != nil {
		log.WithError(err).Error("[Import] upsert failed")
		outcome.Kind, outcome.Err = domain.OutcomeFailed, err
		return outcome
	}
	outcome.TicketID = claim.Ticket.ID
	outcome.Created = claim.Created

	if !claim.Claimed {
		outcome.Kind = domain.OutcomeSkipped
		return outcome
	}

	analyzed, err := s.AnalyzeTicket(ctx, claim.Ticket)
	if err != nil {
		outcome.Kind, outcome.Err = domain.OutcomeFailed, err
		return outcome
	}
	if analyzed == nil {
		outcome.Kind = domain.OutcomeSkipped
		return outcome
	}
	outcome.Kind = domain.OutcomeAnalyzed
	return outcome
}

// AnalyzeTicket classifies a ticket the caller has claimed and persists the
// result. It returns the analyzed ticket, or nil when another writer saved
// an analysis first. On failure the claim is released and the reason
// recorded on the ticket.
func (s *Service) AnalyzeTicket(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	return s.analyze(ctx, ticket, false)
}

// ReanalyzeTicket classifies an already analyzed ticket again. The previous
// analysis stays in place until the new one is saved, and the save only
// lands if nobody replaced that analysis meanwhile (domain.ErrAnalysisConflict).
func (s *Service) ReanalyzeTicket(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	analyzed, err := s.analyze(ctx, ticket, true)
	if err != nil {
		return nil, err
	}
	if analyzed == nil {
		return nil, domain.ErrAnalysisConflict
	}
	return analyzed, nil
}

func (s *Service) analyze(ctx context.Context, ticket *domain.Ticket, reanalysis bool) (*domain.Ticket, error) {
	log := logger.WithFields(map[string]any{"tenant_id": ticket.TenantID, "ticket_id": ticket.ID})
	fail := func(reason string) {
		if !reanalysis {
			s.release(ctx, ticket, reason)
		}
	}

	pc, err := s.prompts.PromptContext(ctx, ticket.TenantID)
	if err != nil {
		fail("prompt context unavailable")
		return nil, fmt.Errorf("load prompt context: %w", err)
	}

	res, err := s.analyzer.Analyze(ctx, domain.AnalysisInput{
		TicketID: ticket.ID,
		Content:  ticket.AnalysisText(),
		Topics:   pc.TopicNames(),
		Rules:    pc.Rules,
	})
	if err != nil {
		reason := err.Error()
		var failed *domain.AnalysisFailedError
		if errors.As(err, &failed) {
			reason = failed.Reason
		}
		log.WithError(err).Warn("[Import] analysis failed")
		fail(reason)
		return nil, err
	}

	now := s.now()
	assignments := s.assignments(ctx, ticket, pc, res, now)
	needsReview := domain.BelowFloor(res.SentimentConfidence, s.cfg.ConfidenceFloor)

	analyzed := *ticket
	sentiment := res.Sentiment
	confidence := res.SentimentConfidence
	analyzed.SentimentScore = &sentiment
	analyzed.SentimentConfidence = &confidence
	analyzed.SentimentReasoning = res.SentimentReasoning
	analyzed.SentimentAnalyzedAt = &now
	analyzed.NeedsReview = needsReview
	analyzed.AnalysisClaimedAt = nil
	analyzed.AnalysisError = ""

	save := &out.AnalysisSave{
		TicketID:    ticket.ID,
		Sentiment:   res.Sentiment,
		Confidence:  res.SentimentConfidence,
		Reasoning:   res.SentimentReasoning,
		NeedsReview: needsReview,
		AnalyzedAt:  now,
		Assignments: assignments,
		Expected:    ticket.SentimentAnalyzedAt,
	}
	// A card opens when sentiment turns negative, not on every re-run of an
	// already negative ticket.
	wasNegative := ticket.SentimentScore != nil && ticket.SentimentScore.IsNegative()
	if s.risk != nil && !wasNegative {
		save.Card, save.CardComment = s.risk.PlanCard(&analyzed)
	}

	saved, err := s.tickets.SaveAnalysis(ctx, ticket.TenantID, save)
	if err != nil {
		log.WithError(err).Error("[Import] failed to save analysis")
		fail("save failed")
		return nil, fmt.Errorf("save analysis: %w", err)
	}
	if !saved.Saved {
		log.Debug("[Import] analysis already saved by another writer")
		return nil, nil
	}
	if saved.CardOpened {
		s.risk.CardOpened(ctx, save.Card)
	}

	log.WithDuration(res.Latency).Info("[Import] analyzed: %s (confidence %.2f, %d topics)",
		res.Sentiment, res.SentimentConfidence, len(assignments))
	return &analyzed, nil
}

// assignments maps topic scores onto topic rows. Topic problems never fail
// the ticket; the sentiment is kept.
func (s *Service) assignments(ctx context.Context, ticket *domain.Ticket, pc *domain.PromptContext, res *domain.AnalysisResult, at time.Time) []*domain.TopicAssignment {
	if res.TopicErr != nil || len(res.Topics) == 0 {
		return nil
	}

	byName := make(map[string]*domain.Topic, len(pc.Topics))
	if res.Proposed {
		names := make([]string, 0, len(res.Topics))
		for _, t := range res.Topics {
			names = append(names, t.Name)
		}
		created, err := s.topics.EnsureTopics(ctx, ticket.TenantID, names)
		if err != nil {
			logger.WithError(err).WithField("ticket_id", ticket.ID).Warn("[Import] failed to create proposed topics")
			return nil
		}
		for _, t := range created {
			byName[strings.ToLower(t.Name)] = t
		}
	} else {
		for _, t := range pc.Topics {
			byName[strings.ToLower(t.Name)] = t
		}
	}

	assigned := make([]*domain.TopicAssignment, 0, len(res.Topics))
	for _, score := range res.Topics {
		topic, ok := byName[strings.ToLower(strings.TrimSpace(score.Name))]
		if !ok {
			continue
		}
		confidence := score.Confidence
		assigned = append(assigned, &domain.TopicAssignment{
			ID:          uuid.New(),
			TenantID:    ticket.TenantID,
			TicketID:    ticket.ID,
			TopicID:     topic.ID,
			TopicName:   topic.Name,
			Confidence:  &confidence,
			AssignedBy:  domain.AssignedByAI,
			NeedsReview: domain.BelowFloor(confidence, s.cfg.ConfidenceFloor),
			AssignedAt:  at,
		})
	}
	return assigned
}

// release frees the claim even when ctx is already cancelled.
func (s *Service) release(ctx context.Context, ticket *domain.Ticket, reason string) {
	if err := s.tickets.RecordFailure(context.WithoutCancel(ctx), ticket.TenantID, ticket.ID, reason); err != nil {
		logger.WithError(err).WithField("ticket_id", ticket.ID).Error("[Import] failed to release claim")
	}
}

func toUpsert(raw *out.RawTicket) (*out.TicketUpsert, error) {
	externalID := strings.TrimSpace(raw.ExternalID)
	if externalID == "" {
		return nil, fmt.Errorf("%w: ticket without external id", domain.ErrInvalidInput)
	}
	subject := strings.TrimSpace(raw.Subject)
	if subject == "" {
		subject = defaultSubject
	}

	t := &domain.Ticket{
		ExternalID:      externalID,
		Subject:         subject,
		Content:         raw.Body,
		Status:          domain.MapTicketStatus(raw.Status),
		Priority:        raw.Priority,
		URL:             raw.URL,
		SourceUpdatedAt: raw.UpdatedAt,
	}
	if !raw.CreatedAt.IsZero() {
		created := raw.CreatedAt
		t.SourceCreatedAt = &created
	}
	return &out.TicketUpsert{Ticket: t, Company: raw.Company, Contact: raw.Contact}, nil
}

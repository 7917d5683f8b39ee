package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"churn_server/core/domain"
	"churn_server/core/port/out"
	"churn_server/pkg/logger"
	"churn_server/pkg/metrics"
)

const maxCommentLen = 5000

// Config holds risk card tunables.
type Config struct {
	// ConfidenceFloor flags cards opened from low-confidence sentiment.
	ConfidenceFloor float64
}

func DefaultConfig() Config {
	return Config{ConfidenceFloor: 0.7}
}

// Service runs the risk card state machine. The pipeline only opens cards
// (PlanCard, CardOpened); the other operations are driven by people.
type Service struct {
	cards   out.RiskCardRepository
	events  out.EventPublisher
	cfg     Config
	metrics *metrics.PipelineMetrics
	now     func() time.Time
}

func NewService(cards out.RiskCardRepository, events out.EventPublisher, cfg Config, m *metrics.PipelineMetrics) *Service {
	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = DefaultConfig().ConfidenceFloor
	}
	return &Service{
		cards:   cards,
		events:  events,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

// EvaluateTicket opens a frustrated_ticket card for a ticket with negative
// sentiment unless an open card already references it. It returns the new
// card, or nil when nothing was created. The import pipeline does not call
// it; it stores PlanCard's card together with the analysis instead.
func (s *Service) EvaluateTicket(ctx context.Context, ticket *domain.Ticket) (*domain.RiskCard, error) {
	card, comment := s.PlanCard(ticket)
	if card == nil {
		return nil, nil
	}

	_, err := s.cards.FindOpenByTicket(ctx, ticket.TenantID, ticket.ID)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("find open card: %w", err)
	}

	if err := s.cards.Create(ctx, card, comment); err != nil {
		if errors.Is(err, domain.ErrDuplicateTrigger) {
			// lost the race to a concurrent import
			logger.WithField("ticket_id", ticket.ID).Debug("[RiskService] open card already exists")
			return nil, nil
		}
		return nil, fmt.Errorf("create risk card: %w", err)
	}

	s.CardOpened(ctx, card)
	card.Comments = []*domain.RiskCardComment{comment}
	return card, nil
}

// PlanCard returns the card an analyzed ticket opens together with its
// opening comment, or nil for non-negative sentiment. Nothing is stored.
func (s *Service) PlanCard(ticket *domain.Ticket) (*domain.RiskCard, *domain.RiskCardComment) {
	if ticket.SentimentScore == nil || !ticket.SentimentScore.IsNegative() {
		return nil, nil
	}

	needsReview := ticket.NeedsReview
	if ticket.SentimentConfidence != nil && domain.BelowFloor(*ticket.SentimentConfidence, s.cfg.ConfidenceFloor) {
		needsReview = true
	}

	now := s.now()
	ticketID := ticket.ID
	card := &domain.RiskCard{
		ID:          uuid.New(),
		TenantID:    ticket.TenantID,
		TriggerType: domain.TriggerFrustratedTicket,
		Status:      domain.CardStatusNew,
		TicketID:    &ticketID,
		CompanyID:   ticket.CompanyID,
		ContactID:   ticket.ContactID,
		NeedsReview: needsReview,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return card, s.systemComment(card, now, openedMessage(ticket, needsReview))
}

// CardOpened records and announces a card that has been stored. Publishing
// is best effort.
func (s *Service) CardOpened(ctx context.Context, card *domain.RiskCard) {
	s.metrics.RecordRiskCardCreated(string(card.TriggerType))
	logger.WithFields(map[string]any{
		"tenant_id":    card.TenantID,
		"card_id":      card.ID,
		"ticket_id":    card.TicketID,
		"needs_review": card.NeedsReview,
	}).Info("[RiskService] risk card opened")

	if s.events != nil {
		if err := s.events.PublishRiskCardCreated(ctx, card); err != nil {
			logger.WithError(err).WithField("card_id", card.ID).Warn("[RiskService] failed to publish card event")
		}
	}
}

// AssignOwner sets the card owner. A new card moves to working.
func (s *Service) AssignOwner(ctx context.Context, tenantID, cardID, ownerID uuid.UUID, actorID *uuid.UUID) (*domain.RiskCard, error) {
	card, err := s.cards.GetByID(ctx, tenantID, cardID)
	if err != nil {
		return nil, fmt.Errorf("get risk card: %w", err)
	}
	if !card.IsOpen() {
		return nil, fmt.Errorf("%w: card is completed", domain.ErrInvalidCardTransition)
	}

	next := card.Status
	if next == domain.CardStatusNew {
		next = domain.CardStatusWorking
	}

	now := s.now()
	msg := fmt.Sprintf("Owner set to %s", ownerID)
	if next != card.Status {
		msg += fmt.Sprintf("; status changed from %s to %s", card.Status, next)
	}
	comment := s.systemComment(card, now, msg)
	comment.AuthorID = actorID

	owner := ownerID
	return s.apply(ctx, tenantID, &domain.RiskCardUpdate{
		CardID:       card.ID,
		ExpectStatus: card.Status,
		Status:       next,
		OwnerID:      &owner,
		UpdatedAt:    now,
		Comment:      comment,
	})
}

// Transition moves a card along the state machine. completed_at is stamped
// on entry to completed.
func (s *Service) Transition(ctx context.Context, tenantID, cardID uuid.UUID, to domain.RiskCardStatus, actorID *uuid.UUID) (*domain.RiskCard, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, to)
	}
	card, err := s.cards.GetByID(ctx, tenantID, cardID)
	if err != nil {
		return nil, fmt.Errorf("get risk card: %w", err)
	}
	if !domain.CanTransition(card.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidCardTransition, card.Status, to)
	}

	now := s.now()
	comment := s.systemComment(card, now, fmt.Sprintf("Status changed from %s to %s", card.Status, to))
	comment.AuthorID = actorID

	upd := &domain.RiskCardUpdate{
		CardID:       card.ID,
		ExpectStatus: card.Status,
		Status:       to,
		UpdatedAt:    now,
		Comment:      comment,
	}
	if to == domain.CardStatusCompleted {
		upd.CompletedAt = &now
	}
	return s.apply(ctx, tenantID, upd)
}

// AddComment appends a user note to the card timeline.
func (s *Service) AddComment(ctx context.Context, tenantID, cardID uuid.UUID, authorID *uuid.UUID, body string) (*domain.RiskCardComment, error) {
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxCommentLen {
		return nil, fmt.Errorf("%w: comment must be 1-%d characters", domain.ErrInvalidInput, maxCommentLen)
	}
	if _, err := s.cards.GetByID(ctx, tenantID, cardID); err != nil {
		return nil, fmt.Errorf("get risk card: %w", err)
	}

	comment := &domain.RiskCardComment{
		ID:        uuid.New(),
		TenantID:  tenantID,
		CardID:    cardID,
		AuthorID:  authorID,
		Kind:      domain.CommentUser,
		Body:      body,
		CreatedAt: s.now(),
	}
	if err := s.cards.AppendComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("append comment: %w", err)
	}
	return comment, nil
}

func (s *Service) Get(ctx context.Context, tenantID, cardID uuid.UUID) (*domain.RiskCard, error) {
	card, err := s.cards.GetByID(ctx, tenantID, cardID)
	if err != nil {
		return nil, fmt.Errorf("get risk card: %w", err)
	}
	return card, nil
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, filter *domain.RiskCardFilter) ([]*domain.RiskCard, int, error) {
	if filter != nil && filter.Status != nil && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, *filter.Status)
	}
	cards, total, err := s.cards.List(ctx, tenantID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list risk cards: %w", err)
	}
	return cards, total, nil
}

func (s *Service) apply(ctx context.Context, tenantID uuid.UUID, upd *domain.RiskCardUpdate) (*domain.RiskCard, error) {
	card, err := s.cards.Update(ctx, tenantID, upd)
	if err != nil {
		return nil, fmt.Errorf("update risk card: %w", err)
	}
	logger.WithFields(map[string]any{
		"tenant_id": tenantID,
		"card_id":   card.ID,
		"status":    card.Status,
	}).Info("[RiskService] risk card updated")
	return card, nil
}

func (s *Service) systemComment(card *domain.RiskCard, at time.Time, body string) *domain.RiskCardComment {
	return &domain.RiskCardComment{
		ID:        uuid.New(),
		TenantID:  card.TenantID,
		CardID:    card.ID,
		Kind:      domain.CommentSystem,
		Body:      body,
		CreatedAt: at,
	}
}

func openedMessage(ticket *domain.Ticket, needsReview bool) string {
	msg := fmt.Sprintf("Card opened: ticket %q scored %s", ticket.Subject, *ticket.SentimentScore)
	if ticket.SentimentConfidence != nil {
		msg += fmt.Sprintf(" (confidence %.2f)", *ticket.SentimentConfidence)
	}
	if needsReview {
		msg += ". Low confidence, verify before acting."
	}
	return msg
}

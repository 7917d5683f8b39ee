package ticket

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"churn_server/core/domain"
	"churn_server/core/port/out"
	"churn_server/pkg/logger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// TicketAnalyzer classifies an analyzed ticket again and swaps the result
// in, opening a card if the sentiment turned negative.
type TicketAnalyzer interface {
	ReanalyzeTicket(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error)
}

// Service covers the ticket operations people drive: listing, manual
// reclassification and explicit re-analysis.
type Service struct {
	tickets  out.TicketRepository
	topics   out.TopicRepository
	analyzer TicketAnalyzer
	now      func() time.Time
}

func NewService(tickets out.TicketRepository, topics out.TopicRepository, analyzer TicketAnalyzer) *Service {
	return &Service{
		tickets:  tickets,
		topics:   topics,
		analyzer: analyzer,
		now:      time.Now,
	}
}

// List returns tickets newest first with company, contact and current topics.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, filter domain.TicketFilter) ([]*domain.TicketView, int, error) {
	if filter.Sentiment != nil && !filter.Sentiment.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown sentiment %q", domain.ErrInvalidInput, *filter.Sentiment)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	views, total, err := s.tickets.List(ctx, tenantID, &filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list tickets: %w", err)
	}
	return views, total, nil
}

func (s *Service) Get(ctx context.Context, tenantID, ticketID uuid.UUID) (*domain.Ticket, error) {
	t, err := s.tickets.GetByID(ctx, tenantID, ticketID)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// Reclassify replaces the ticket's topics with a user decision. The
// superseded AI assignments stay as history for suggestion detection.
func (s *Service) Reclassify(ctx context.Context, tenantID, ticketID uuid.UUID, topicIDs []uuid.UUID) ([]*domain.TopicAssignment, error) {
	ids := make([]uuid.UUID, 0, len(topicIDs))
	seen := make(map[uuid.UUID]bool, len(topicIDs))
	for _, id := range topicIDs {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one topic is required", domain.ErrInvalidInput)
	}

	for _, id := range ids {
		topic, err := s.topics.GetByID(ctx, tenantID, id)
		if err != nil {
			return nil, fmt.Errorf("get topic %s: %w", id, err)
		}
		if !topic.IsActive {
			return nil, fmt.Errorf("%w: topic %q is inactive", domain.ErrInvalidInput, topic.Name)
		}
	}

	assignments, err := s.topics.AssignByUser(ctx, tenantID, ticketID, ids, s.now())
	if err != nil {
		return nil, fmt.Errorf("assign topics: %w", err)
	}

	logger.WithFields(map[string]any{
		"tenant_id": tenantID,
		"ticket_id": ticketID,
		"topics":    len(assignments),
	}).Info("[TicketService] ticket reclassified")
	return assignments, nil
}

// Reanalyze classifies the ticket again. The stored analysis is only
// replaced once the new one succeeds; a failed run leaves it untouched.
func (s *Service) Reanalyze(ctx context.Context, tenantID, ticketID uuid.UUID) (*domain.Ticket, error) {
	prev, err := s.tickets.GetByID(ctx, tenantID, ticketID)
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	if strings.TrimSpace(prev.Content) == "" {
		return nil, fmt.Errorf("%w: ticket has no content to analyze", domain.ErrInvalidInput)
	}

	analyzed, err := s.analyzer.ReanalyzeTicket(ctx, prev)
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]any{
		"tenant_id": tenantID,
		"ticket_id": ticketID,
		"sentiment": *analyzed.SentimentScore,
	}).Info("[TicketService] ticket re-analyzed")
	return analyzed, nil
}

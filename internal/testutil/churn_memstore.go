// Package testutil provides in-memory implementations of the repository
// ports for service tests.
package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"churn_server/core/domain"
	"churn_server/core/port/out"
)

// Store keeps every entity in memory. It follows the same guarded-update
// rules as the Postgres adapters.
type Store struct {
	mu  sync.Mutex
	Now func() time.Time

	tenants      map[uuid.UUID]*domain.Tenant
	integrations map[uuid.UUID]*domain.Integration
	companies    []*domain.Company
	contacts     []*domain.Contact
	tickets      []*domain.Ticket
	topics       []*domain.Topic
	assignments  []*domain.TopicAssignment
	rules        []*domain.TrainingRule
	cards        []*domain.RiskCard
	comments     []*domain.RiskCardComment

	// SaveAnalysisCalls counts successful analysis writes.
	SaveAnalysisCalls int
}

var (
	_ out.TicketRepository   = TicketRepo{}
	_ out.TopicRepository    = TopicRepo{}
	_ out.RuleRepository     = RuleRepo{}
	_ out.RiskCardRepository = CardRepo{}
	_ out.TenantRepository   = TenantRepo{}
)

// Per-port views over one Store. They exist because several ports share
// method names such as Create and GetByID.
type (
	TicketRepo struct{ *Store }
	TopicRepo  struct{ *Store }
	RuleRepo   struct{ *Store }
	CardRepo   struct{ *Store }
	TenantRepo struct{ *Store }
)

func (s *Store) TicketRepo() TicketRepo { return TicketRepo{s} }
func (s *Store) TopicRepo() TopicRepo   { return TopicRepo{s} }
func (s *Store) RuleRepo() RuleRepo     { return RuleRepo{s} }
func (s *Store) CardRepo() CardRepo     { return CardRepo{s} }
func (s *Store) TenantRepo() TenantRepo { return TenantRepo{s} }

func (r TicketRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.Ticket, error) {
	return r.getTicket(ctx, tenantID, id)
}

func (r TicketRepo) List(ctx context.Context, tenantID uuid.UUID, filter *domain.TicketFilter) ([]*domain.TicketView, int, error) {
	return r.listTickets(ctx, tenantID, filter)
}

func (r TopicRepo) Create(ctx context.Context, topic *domain.Topic) error {
	return r.createTopic(ctx, topic)
}

func (r TopicRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.Topic, error) {
	return r.getTopic(ctx, tenantID, id)
}

func (r TopicRepo) List(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]*domain.Topic, error) {
	return r.listTopics(ctx, tenantID, activeOnly)
}

func (r RuleRepo) Create(ctx context.Context, rule *domain.TrainingRule) error {
	return r.createRule(ctx, rule)
}

func (r RuleRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.TrainingRule, error) {
	return r.getRule(ctx, tenantID, id)
}

func (r RuleRepo) List(ctx context.Context, tenantID uuid.UUID, status *domain.RuleStatus) ([]*domain.TrainingRule, error) {
	return r.listRules(ctx, tenantID, status)
}

func (r CardRepo) Create(ctx context.Context, card *domain.RiskCard, comment *domain.RiskCardComment) error {
	return r.createCard(ctx, card, comment)
}

func (r CardRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.RiskCard, error) {
	return r.getCard(ctx, tenantID, id)
}

func (r CardRepo) List(ctx context.Context, tenantID uuid.UUID, filter *domain.RiskCardFilter) ([]*domain.RiskCard, int, error) {
	return r.listCards(ctx, tenantID, filter)
}

func (r TenantRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	return r.getTenant(ctx, id)
}

func NewStore() *Store {
	return &Store{
		Now:          time.Now,
		tenants:      make(map[uuid.UUID]*domain.Tenant),
		integrations: make(map[uuid.UUID]*domain.Integration),
	}
}

// =============================================================================
// Seeding and inspection helpers
// =============================================================================

func (s *Store) AddTenant(t *domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
}

func (s *Store) AddIntegration(i *domain.Integration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *i
	s.integrations[i.TenantID] = &cp
}

// AddTopic seeds an active topic.
func (s *Store) AddTopic(tenantID uuid.UUID, name string) *domain.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &domain.Topic{ID: uuid.New(), TenantID: tenantID, Name: name, IsActive: true, CreatedAt: s.Now()}
	s.topics = append(s.topics, t)
	cp := *t
	return &cp
}

// AddTicket seeds a ticket as-is.
func (s *Store) AddTicket(t *domain.Ticket) *domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.tickets = append(s.tickets, &cp)
	res := cp
	return &res
}

// AddAssignment seeds a topic assignment as-is.
func (s *Store) AddAssignment(a *domain.TopicAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.assignments = append(s.assignments, &cp)
}

// Comments returns copies of a card's timeline in append order.
func (s *Store) Comments(cardID uuid.UUID) []*domain.RiskCardComment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*domain.RiskCardComment
	for _, c := range s.comments {
		if c.CardID == cardID {
			cp := *c
			res = append(res, &cp)
		}
	}
	return res
}

// Tickets returns copies of a tenant's tickets.
func (s *Store) Tickets(tenantID uuid.UUID) []*domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*domain.Ticket
	for _, t := range s.tickets {
		if t.TenantID == tenantID {
			cp := *t
			res = append(res, &cp)
		}
	}
	return res
}

// TicketByExternalID returns a copy of one ticket or nil.
func (s *Store) TicketByExternalID(tenantID uuid.UUID, externalID string) *domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.findTicketByExternal(tenantID, externalID); t != nil {
		cp := *t
		return &cp
	}
	return nil
}

// Assignments returns copies of a ticket's assignments, superseded included.
func (s *Store) Assignments(ticketID uuid.UUID) []*domain.TopicAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*domain.TopicAssignment
	for _, a := range s.assignments {
		if a.TicketID == ticketID {
			cp := *a
			res = append(res, &cp)
		}
	}
	return res
}

// Cards returns copies of a tenant's risk cards.
func (s *Store) Cards(tenantID uuid.UUID) []*domain.RiskCard {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*domain.RiskCard
	for _, c := range s.cards {
		if c.TenantID == tenantID {
			cp := *c
			res = append(res, &cp)
		}
	}
	return res
}

// Topics returns copies of a tenant's topics, inactive included.
func (s *Store) Topics(tenantID uuid.UUID) []*domain.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*domain.Topic
	for _, t := range s.topics {
		if t.TenantID == tenantID {
			cp := *t
			res = append(res, &cp)
		}
	}
	return res
}

// Rules returns copies of a tenant's rules in creation order.
func (s *Store) Rules(tenantID uuid.UUID) []*domain.TrainingRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*domain.TrainingRule
	for _, r := range s.rules {
		if r.TenantID == tenantID {
			res = append(res, s.ruleCopy(r))
		}
	}
	return res
}

// =============================================================================
// TicketRepository
// =============================================================================

func (s *Store) UpsertAndClaim(_ context.Context, tenantID uuid.UUID, in *out.TicketUpsert, claimTTL time.Duration) (*out.ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()

	var companyID, contactID *uuid.UUID
	if in.Company != nil && in.Company.ExternalID != "" {
		id := s.upsertCompany(tenantID, in.Company)
		companyID = &id
	}
	if in.Contact != nil && in.Contact.ExternalID != "" {
		id := s.upsertContact(tenantID, companyID, in.Contact)
		contactID = &id
	}

	src := in.Ticket
	t := s.findTicketByExternal(tenantID, src.ExternalID)
	created := t == nil
	if created {
		t = &domain.Ticket{
			ID:         uuid.New(),
			TenantID:   tenantID,
			ExternalID: src.ExternalID,
			CreatedAt:  now,
		}
		s.tickets = append(s.tickets, t)
	}
	t.Subject = src.Subject
	t.Content = src.Content
	t.Status = src.Status
	t.Priority = src.Priority
	t.URL = src.URL
	t.SourceCreatedAt = src.SourceCreatedAt
	t.SourceUpdatedAt = src.SourceUpdatedAt
	if companyID != nil {
		t.CompanyID = companyID
	}
	if contactID != nil {
		t.ContactID = contactID
	}
	t.UpdatedAt = now

	claimed := false
	if !t.Analyzed() && strings.TrimSpace(t.Content) != "" &&
		(t.AnalysisClaimedAt == nil || now.Sub(*t.AnalysisClaimedAt) > claimTTL) {
		t.AnalysisClaimedAt = &now
		claimed = true
	}

	cp := *t
	return &out.ClaimResult{Ticket: &cp, Created: created, Claimed: claimed}, nil
}

func (s *Store) SaveAnalysis(_ context.Context, tenantID uuid.UUID, save *out.AnalysisSave) (*out.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &out.SaveResult{}
	t := s.findTicket(tenantID, save.TicketID)
	if t == nil {
		return nil, domain.ErrNotFound
	}
	if !sameStamp(t.SentimentAnalyzedAt, save.Expected) {
		return result, nil
	}
	result.Saved = true

	sentiment := save.Sentiment
	confidence := save.Confidence
	analyzedAt := save.AnalyzedAt
	t.SentimentScore = &sentiment
	t.SentimentConfidence = &confidence
	t.SentimentReasoning = save.Reasoning
	t.SentimentAnalyzedAt = &analyzedAt
	t.NeedsReview = save.NeedsReview
	t.AnalysisClaimedAt = nil
	t.AnalysisError = ""

	if save.Expected != nil {
		for _, a := range s.assignments {
			if a.TicketID == t.ID && a.AssignedBy == domain.AssignedByAI && a.SupersededAt == nil {
				ts := analyzedAt
				a.SupersededAt = &ts
			}
		}
	}

	for _, a := range save.Assignments {
		if s.findAssignment(tenantID, t.ID, a.TopicID) != nil {
			continue
		}
		cp := *a
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		cp.TenantID = tenantID
		cp.TicketID = t.ID
		cp.AssignedAt = analyzedAt
		s.assignments = append(s.assignments, &cp)
	}

	if save.Card != nil && s.findOpenCard(tenantID, t.ID) == nil {
		cp := *save.Card
		cp.Comments = nil
		s.cards = append(s.cards, &cp)
		if save.CardComment != nil {
			cc := *save.CardComment
			s.comments = append(s.comments, &cc)
		}
		result.CardOpened = true
	}

	s.SaveAnalysisCalls++
	return result, nil
}

func (s *Store) RecordFailure(_ context.Context, tenantID, ticketID uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findTicket(tenantID, ticketID)
	if t == nil {
		return domain.ErrNotFound
	}
	t.AnalysisClaimedAt = nil
	t.AnalysisError = reason
	t.AnalysisAttempts++
	return nil
}

func (s *Store) getTicket(_ context.Context, tenantID, ticketID uuid.UUID) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findTicket(tenantID, ticketID)
	if t == nil {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) listTickets(_ context.Context, tenantID uuid.UUID, filter *domain.TicketFilter) ([]*domain.TicketView, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*domain.Ticket
	for _, t := range s.tickets {
		if t.TenantID != tenantID {
			continue
		}
		if filter != nil && filter.Sentiment != nil && (t.SentimentScore == nil || *t.SentimentScore != *filter.Sentiment) {
			continue
		}
		matched = append(matched, t)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return newestFirstKey(matched[i]).After(newestFirstKey(matched[j]))
	})

	total := len(matched)
	if filter != nil {
		matched = paginate(matched, filter.Offset, filter.Limit)
	}

	views := make([]*domain.TicketView, 0, len(matched))
	for _, t := range matched {
		v := &domain.TicketView{Ticket: *t, Topics: []*domain.TopicAssignment{}}
		if t.CompanyID != nil {
			for _, c := range s.companies {
				if c.ID == *t.CompanyID {
					cp := *c
					v.Company = &cp
				}
			}
		}
		if t.ContactID != nil {
			for _, c := range s.contacts {
				if c.ID == *t.ContactID {
					cp := *c
					v.Contact = &cp
				}
			}
		}
		for _, a := range s.assignments {
			if a.TicketID == t.ID && a.SupersededAt == nil {
				cp := *a
				cp.TopicName = s.topicName(a.TopicID)
				v.Topics = append(v.Topics, &cp)
			}
		}
		views = append(views, v)
	}
	return views, total, nil
}

// =============================================================================
// TopicRepository
// =============================================================================

func (s *Store) createTopic(_ context.Context, topic *domain.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findTopicByName(topic.TenantID, topic.Name) != nil {
		return domain.ErrAlreadyExists
	}
	cp := *topic
	s.topics = append(s.topics, &cp)
	return nil
}

func (s *Store) getTopic(_ context.Context, tenantID, id uuid.UUID) (*domain.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics {
		if t.TenantID == tenantID && t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) listTopics(_ context.Context, tenantID uuid.UUID, activeOnly bool) ([]*domain.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*domain.Topic
	for _, t := range s.topics {
		if t.TenantID == tenantID && (!activeOnly || t.IsActive) {
			cp := *t
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *Store) Deactivate(_ context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.topics {
		if t.TenantID == tenantID && t.ID == id {
			t.IsActive = false
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *Store) EnsureByName(_ context.Context, tenantID uuid.UUID, names []string) ([]*domain.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*domain.Topic, 0, len(names))
	for _, n := range names {
		t := s.findTopicByName(tenantID, n)
		if t == nil {
			t = &domain.Topic{ID: uuid.New(), TenantID: tenantID, Name: n, IsActive: true, CreatedAt: s.Now()}
			s.topics = append(s.topics, t)
		}
		t.IsActive = true
		cp := *t
		res = append(res, &cp)
	}
	return res, nil
}

func (s *Store) AssignByUser(_ context.Context, tenantID, ticketID uuid.UUID, topicIDs []uuid.UUID, at time.Time) ([]*domain.TopicAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findTicket(tenantID, ticketID) == nil {
		return nil, domain.ErrNotFound
	}
	for _, id := range topicIDs {
		if s.topicName(id) == "" {
			return nil, domain.ErrNotFound
		}
	}

	for _, a := range s.assignments {
		if a.TicketID == ticketID && a.SupersededAt == nil {
			ts := at
			a.SupersededAt = &ts
		}
	}

	var res []*domain.TopicAssignment
	for _, id := range topicIDs {
		if s.findAssignment(tenantID, ticketID, id) != nil {
			continue
		}
		a := &domain.TopicAssignment{
			ID:         uuid.New(),
			TenantID:   tenantID,
			TicketID:   ticketID,
			TopicID:    id,
			AssignedBy: domain.AssignedByUser,
			AssignedAt: at,
		}
		s.assignments = append(s.assignments, a)
		cp := *a
		cp.TopicName = s.topicName(id)
		res = append(res, &cp)
	}
	return res, nil
}

// ListCorrections pairs every topic of the latest AI run that the user
// dropped with every topic the user added.
func (s *Store) ListCorrections(_ context.Context, tenantID uuid.UUID, since time.Time) ([]*domain.Correction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type userSet struct {
		topics []uuid.UUID
		at     time.Time
	}
	current := make(map[uuid.UUID]*userSet)
	var order []uuid.UUID
	for _, u := range s.assignments {
		if u.TenantID != tenantID || u.AssignedBy != domain.AssignedByUser || u.SupersededAt != nil || u.AssignedAt.Before(since) {
			continue
		}
		set, ok := current[u.TicketID]
		if !ok {
			set = &userSet{at: u.AssignedAt}
			current[u.TicketID] = set
			order = append(order, u.TicketID)
		}
		set.topics = append(set.topics, u.TopicID)
	}

	var res []*domain.Correction
	for _, ticketID := range order {
		set := current[ticketID]
		aiRun := s.latestAIRun(ticketID)
		t := s.findTicket(tenantID, ticketID)
		for _, from := range aiRun {
			if containsID(set.topics, from) {
				continue
			}
			for _, to := range set.topics {
				if containsID(aiRun, to) {
					continue
				}
				res = append(res, &domain.Correction{
					TicketID:      ticketID,
					FromTopicID:   from,
					FromTopicName: s.topicName(from),
					ToTopicID:     to,
					ToTopicName:   s.topicName(to),
					Subject:       t.Subject,
					Content:       t.Content,
					CorrectedAt:   set.at,
				})
			}
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if !res[i].CorrectedAt.Equal(res[j].CorrectedAt) {
			return res[i].CorrectedAt.Before(res[j].CorrectedAt)
		}
		if res[i].FromTopicName != res[j].FromTopicName {
			return res[i].FromTopicName < res[j].FromTopicName
		}
		return res[i].ToTopicName < res[j].ToTopicName
	})
	return res, nil
}

// latestAIRun returns the topics the most recent AI analysis assigned.
func (s *Store) latestAIRun(ticketID uuid.UUID) []uuid.UUID {
	var latest time.Time
	for _, a := range s.assignments {
		if a.TicketID == ticketID && a.AssignedBy == domain.AssignedByAI && a.AssignedAt.After(latest) {
			latest = a.AssignedAt
		}
	}
	var run []uuid.UUID
	for _, a := range s.assignments {
		if a.TicketID == ticketID && a.AssignedBy == domain.AssignedByAI && a.AssignedAt.Equal(latest) {
			run = append(run, a.TopicID)
		}
	}
	return run
}

// =============================================================================
// RuleRepository
// =============================================================================

func (s *Store) createRule(_ context.Context, rule *domain.TrainingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.rules = append(s.rules, &cp)
	return nil
}

func (s *Store) getRule(_ context.Context, tenantID, id uuid.UUID) (*domain.TrainingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.findRule(tenantID, id); r != nil {
		return s.ruleCopy(r), nil
	}
	return nil, domain.ErrNotFound
}

func (s *Store) listRules(_ context.Context, tenantID uuid.UUID, status *domain.RuleStatus) ([]*domain.TrainingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*domain.TrainingRule
	for _, r := range s.rules {
		if r.TenantID == tenantID && (status == nil || r.Status == *status) {
			res = append(res, s.ruleCopy(r))
		}
	}
	return res, nil
}

func (s *Store) ListActive(_ context.Context, tenantID uuid.UUID) ([]*domain.TrainingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*domain.TrainingRule
	for _, r := range s.rules {
		if r.TenantID != tenantID || r.Status != domain.RuleStatusActive {
			continue
		}
		if t := s.findTopic(r.TopicID); t == nil || !t.IsActive {
			continue
		}
		res = append(res, s.ruleCopy(r))
	}
	return res, nil
}

func (s *Store) Review(_ context.Context, tenantID, id uuid.UUID, from, to domain.RuleStatus, at time.Time) (*domain.TrainingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.findRule(tenantID, id)
	if r == nil {
		return nil, domain.ErrNotFound
	}
	if r.Status != from {
		return nil, domain.ErrInvalidRuleTransition
	}
	r.Status = to
	ts := at
	r.ReviewedAt = &ts
	return s.ruleCopy(r), nil
}

func (s *Store) LatestSuggestion(_ context.Context, tenantID uuid.UUID, patternKey string) (*domain.TrainingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.TrainingRule
	for _, r := range s.rules {
		if r.TenantID == tenantID && r.Source == domain.RuleSourceAI && r.PatternKey == patternKey {
			latest = r
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return s.ruleCopy(latest), nil
}

// =============================================================================
// RiskCardRepository
// =============================================================================

func (s *Store) createCard(_ context.Context, card *domain.RiskCard, comment *domain.RiskCardComment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if card.TicketID != nil && s.findOpenCard(card.TenantID, *card.TicketID) != nil {
		return domain.ErrDuplicateTrigger
	}
	cp := *card
	cp.Comments = nil
	s.cards = append(s.cards, &cp)
	if comment != nil {
		cc := *comment
		s.comments = append(s.comments, &cc)
	}
	return nil
}

func (s *Store) FindOpenByTicket(_ context.Context, tenantID, ticketID uuid.UUID) (*domain.RiskCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.findOpenCard(tenantID, ticketID); c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (s *Store) getCard(_ context.Context, tenantID, id uuid.UUID) (*domain.RiskCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findCard(tenantID, id)
	if c == nil {
		return nil, domain.ErrNotFound
	}
	cp := *c
	for _, cm := range s.comments {
		if cm.CardID == id {
			ccp := *cm
			cp.Comments = append(cp.Comments, &ccp)
		}
	}
	return &cp, nil
}

func (s *Store) listCards(_ context.Context, tenantID uuid.UUID, filter *domain.RiskCardFilter) ([]*domain.RiskCard, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*domain.RiskCard
	for i := len(s.cards) - 1; i >= 0; i-- {
		c := s.cards[i]
		if c.TenantID != tenantID {
			continue
		}
		if filter != nil && filter.Status != nil && c.Status != *filter.Status {
			continue
		}
		if filter != nil && filter.OwnerID != nil && (c.OwnerID == nil || *c.OwnerID != *filter.OwnerID) {
			continue
		}
		cp := *c
		matched = append(matched, &cp)
	}
	total := len(matched)
	if filter != nil {
		matched = paginate(matched, filter.Offset, filter.Limit)
	}
	return matched, total, nil
}

func (s *Store) Update(_ context.Context, tenantID uuid.UUID, upd *domain.RiskCardUpdate) (*domain.RiskCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findCard(tenantID, upd.CardID)
	if c == nil {
		return nil, domain.ErrNotFound
	}
	if c.Status != upd.ExpectStatus {
		return nil, domain.ErrInvalidCardTransition
	}
	c.Status = upd.Status
	if upd.OwnerID != nil {
		owner := *upd.OwnerID
		c.OwnerID = &owner
	}
	if upd.CompletedAt != nil && c.CompletedAt == nil {
		ts := *upd.CompletedAt
		c.CompletedAt = &ts
	}
	c.UpdatedAt = upd.UpdatedAt
	if upd.Comment != nil {
		cc := *upd.Comment
		s.comments = append(s.comments, &cc)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) AppendComment(_ context.Context, comment *domain.RiskCardComment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findCard(comment.TenantID, comment.CardID) == nil {
		return domain.ErrNotFound
	}
	cc := *comment
	s.comments = append(s.comments, &cc)
	return nil
}

// =============================================================================
// TenantRepository
// =============================================================================

func (s *Store) getTenant(_ context.Context, id uuid.UUID) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tenants[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (s *Store) GetIntegration(_ context.Context, tenantID uuid.UUID, kind domain.IntegrationKind) (*domain.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.integrations[tenantID]; ok && i.Kind == kind {
		cp := *i
		return &cp, nil
	}
	return nil, domain.ErrIntegrationNotFound
}

func (s *Store) SaveIntegrationToken(_ context.Context, integration *domain.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *integration
	s.integrations[integration.TenantID] = &cp
	return nil
}

func (s *Store) ListWithIntegration(_ context.Context, kind domain.IntegrationKind) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for tenantID, i := range s.integrations {
		if i.Kind == kind && (i.AccessToken != "" || i.RefreshToken != "") {
			ids = append(ids, tenantID)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a].String() < ids[b].String() })
	return ids, nil
}

func (s *Store) Teardown(_ context.Context, tenantID uuid.UUID) (*domain.TeardownReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return nil, domain.ErrNotFound
	}

	report := &domain.TeardownReport{TenantID: tenantID, Deleted: map[string]int64{}}
	report.Deleted["risk_card_comments"] = removeWhere(&s.comments, func(c *domain.RiskCardComment) bool { return c.TenantID == tenantID })
	report.Deleted["risk_cards"] = removeWhere(&s.cards, func(c *domain.RiskCard) bool { return c.TenantID == tenantID })
	report.Deleted["topic_assignments"] = removeWhere(&s.assignments, func(a *domain.TopicAssignment) bool { return a.TenantID == tenantID })
	report.Deleted["training_rules"] = removeWhere(&s.rules, func(r *domain.TrainingRule) bool { return r.TenantID == tenantID })
	report.Deleted["tickets"] = removeWhere(&s.tickets, func(t *domain.Ticket) bool { return t.TenantID == tenantID })
	report.Deleted["topics"] = removeWhere(&s.topics, func(t *domain.Topic) bool { return t.TenantID == tenantID })
	report.Deleted["contacts"] = removeWhere(&s.contacts, func(c *domain.Contact) bool { return c.TenantID == tenantID })
	report.Deleted["companies"] = removeWhere(&s.companies, func(c *domain.Company) bool { return c.TenantID == tenantID })
	if _, ok := s.integrations[tenantID]; ok {
		delete(s.integrations, tenantID)
		report.Deleted["integrations"] = 1
	} else {
		report.Deleted["integrations"] = 0
	}
	delete(s.tenants, tenantID)
	report.Deleted["tenants"] = 1
	return report, nil
}

// =============================================================================
// internals (callers hold mu)
// =============================================================================

func (s *Store) findTicket(tenantID, id uuid.UUID) *domain.Ticket {
	for _, t := range s.tickets {
		if t.TenantID == tenantID && t.ID == id {
			return t
		}
	}
	return nil
}

func (s *Store) findTicketByExternal(tenantID uuid.UUID, externalID string) *domain.Ticket {
	for _, t := range s.tickets {
		if t.TenantID == tenantID && t.ExternalID == externalID {
			return t
		}
	}
	return nil
}

func (s *Store) findTopic(id uuid.UUID) *domain.Topic {
	for _, t := range s.topics {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *Store) findTopicByName(tenantID uuid.UUID, name string) *domain.Topic {
	for _, t := range s.topics {
		if t.TenantID == tenantID && strings.EqualFold(t.Name, name) {
			return t
		}
	}
	return nil
}

func (s *Store) topicName(id uuid.UUID) string {
	if t := s.findTopic(id); t != nil {
		return t.Name
	}
	return ""
}

// findAssignment returns the current assignment of topicID, if any.
func (s *Store) findAssignment(tenantID, ticketID, topicID uuid.UUID) *domain.TopicAssignment {
	for _, a := range s.assignments {
		if a.TenantID == tenantID && a.TicketID == ticketID && a.TopicID == topicID && a.SupersededAt == nil {
			return a
		}
	}
	return nil
}

func sameStamp(have, want *time.Time) bool {
	if have == nil || want == nil {
		return have == nil && want == nil
	}
	return have.Equal(*want)
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (s *Store) findRule(tenantID, id uuid.UUID) *domain.TrainingRule {
	for _, r := range s.rules {
		if r.TenantID == tenantID && r.ID == id {
			return r
		}
	}
	return nil
}

func (s *Store) ruleCopy(r *domain.TrainingRule) *domain.TrainingRule {
	cp := *r
	cp.TopicName = s.topicName(r.TopicID)
	return &cp
}

func (s *Store) findCard(tenantID, id uuid.UUID) *domain.RiskCard {
	for _, c := range s.cards {
		if c.TenantID == tenantID && c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) findOpenCard(tenantID, ticketID uuid.UUID) *domain.RiskCard {
	for _, c := range s.cards {
		if c.TenantID == tenantID && c.TicketID != nil && *c.TicketID == ticketID && c.IsOpen() {
			return c
		}
	}
	return nil
}

func (s *Store) upsertCompany(tenantID uuid.UUID, ref *out.CompanyRef) uuid.UUID {
	for _, c := range s.companies {
		if c.TenantID == tenantID && c.ExternalID == ref.ExternalID {
			if ref.Name != "" {
				c.Name = ref.Name
			}
			if ref.MRR != nil {
				c.MRR = ref.MRR
			}
			return c.ID
		}
	}
	c := &domain.Company{ID: uuid.New(), TenantID: tenantID, ExternalID: ref.ExternalID, Name: ref.Name, MRR: ref.MRR}
	s.companies = append(s.companies, c)
	return c.ID
}

func (s *Store) upsertContact(tenantID uuid.UUID, companyID *uuid.UUID, ref *out.ContactRef) uuid.UUID {
	for _, c := range s.contacts {
		if c.TenantID == tenantID && c.ExternalID == ref.ExternalID {
			c.Email = ref.Email
			c.Name = ref.Name
			if companyID != nil {
				c.CompanyID = companyID
			}
			return c.ID
		}
	}
	c := &domain.Contact{ID: uuid.New(), TenantID: tenantID, CompanyID: companyID, ExternalID: ref.ExternalID, Email: ref.Email, Name: ref.Name}
	s.contacts = append(s.contacts, c)
	return c.ID
}

func newestFirstKey(t *domain.Ticket) time.Time {
	if t.SourceCreatedAt != nil {
		return *t.SourceCreatedAt
	}
	return t.CreatedAt
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func removeWhere[T any](items *[]T, match func(T) bool) int64 {
	kept := (*items)[:0]
	var n int64
	for _, it := range *items {
		if match(it) {
			n++
			continue
		}
		kept = append(kept, it)
	}
	*items = kept
	return n
}

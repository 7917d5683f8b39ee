package rule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"churn_server/core/domain"
	"churn_server/core/port/out"
	"churn_server/pkg/logger"
	"churn_server/pkg/metrics"
)

const (
	promptCacheTTL     = 5 * time.Minute
	promptCacheCleanup = 10 * time.Minute
	publishTimeout     = 2 * time.Second

	maxTopicNameLen = 80
	maxRuleBodyLen  = 2000
)

// Service owns a tenant's topic vocabulary and training rules and renders
// them as classifier prompt context.
type Service struct {
	topics  out.TopicRepository
	rules   out.RuleRepository
	cfg     DetectorConfig
	cache   *gocache.Cache
	bus     out.PromptCacheBus
	metrics *metrics.PipelineMetrics
	now     func() time.Time

	// A load only fills the cache when no invalidation ran while it was
	// reading. epoch moves on full flushes, gens per tenant.
	genMu sync.Mutex
	epoch uint64
	gens  map[uuid.UUID]uint64
}

type cacheStamp struct {
	epoch, gen uint64
}

func NewService(topics out.TopicRepository, rules out.RuleRepository, cfg DetectorConfig, m *metrics.PipelineMetrics) *Service {
	return &Service{
		topics:  topics,
		rules:   rules,
		cfg:     cfg.withDefaults(),
		cache:   gocache.New(promptCacheTTL, promptCacheCleanup),
		metrics: m,
		now:     time.Now,
		gens:    make(map[uuid.UUID]uint64),
	}
}

// SetInvalidationBus shares invalidations with other processes.
func (s *Service) SetInvalidationBus(bus out.PromptCacheBus) {
	s.bus = bus
}

// =============================================================================
// Topics
// =============================================================================

func (s *Service) CreateTopic(ctx context.Context, tenantID uuid.UUID, name, description string) (*domain.Topic, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxTopicNameLen {
		return nil, fmt.Errorf("%w: topic name must be 1-%d characters", domain.ErrInvalidInput, maxTopicNameLen)
	}

	topic := &domain.Topic{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Name:        name,
		Description: strings.TrimSpace(description),
		IsActive:    true,
		CreatedAt:   s.now(),
	}
	if err := s.topics.Create(ctx, topic); err != nil {
		return nil, fmt.Errorf("create topic: %w", err)
	}
	s.Invalidate(tenantID)
	return topic, nil
}

func (s *Service) ListTopics(ctx context.Context, tenantID uuid.UUID, includeInactive bool) ([]*domain.Topic, error) {
	topics, err := s.topics.List(ctx, tenantID, !includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return topics, nil
}

// DeactivateTopic hides a topic from future classification. Existing
// assignments are kept.
func (s *Service) DeactivateTopic(ctx context.Context, tenantID, topicID uuid.UUID) error {
	if err := s.topics.Deactivate(ctx, tenantID, topicID); err != nil {
		return fmt.Errorf("deactivate topic: %w", err)
	}
	s.Invalidate(tenantID)
	return nil
}

// EnsureTopics returns one active topic per name, creating missing ones.
// Cold-start proposals go through here.
func (s *Service) EnsureTopics(ctx context.Context, tenantID uuid.UUID, names []string) ([]*domain.Topic, error) {
	clean := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if r := []rune(n); len(r) > maxTopicNameLen {
			n = strings.TrimSpace(string(r[:maxTopicNameLen]))
		}
		if n == "" || seen[strings.ToLower(n)] {
			continue
		}
		seen[strings.ToLower(n)] = true
		clean = append(clean, n)
	}
	if len(clean) == 0 {
		return nil, nil
	}

	topics, err := s.topics.EnsureByName(ctx, tenantID, clean)
	if err != nil {
		return nil, fmt.Errorf("ensure topics: %w", err)
	}
	s.Invalidate(tenantID)
	return topics, nil
}

// =============================================================================
// Rules
// =============================================================================

// CreateUserRule stores a user-authored rule. It is active immediately and
// reaches the next classification call.
func (s *Service) CreateUserRule(ctx context.Context, tenantID, topicID uuid.UUID, body string) (*domain.TrainingRule, error) {
	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxRuleBodyLen {
		return nil, fmt.Errorf("%w: rule body must be 1-%d characters", domain.ErrInvalidInput, maxRuleBodyLen)
	}

	topic, err := s.topics.GetByID(ctx, tenantID, topicID)
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}

	rule := &domain.TrainingRule{
		ID:        uuid.New(),
		TenantID:  tenantID,
		TopicID:   topic.ID,
		TopicName: topic.Name,
		Body:      body,
		Source:    domain.RuleSourceUser,
		Status:    domain.InitialRuleStatus(domain.RuleSourceUser),
		CreatedAt: s.now(),
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	s.Invalidate(tenantID)

	logger.WithFields(map[string]any{
		"tenant_id": tenantID,
		"rule_id":   rule.ID,
		"topic":     topic.Name,
	}).Info("[RuleService] user rule created")
	return rule, nil
}

// PromoteRule activates a pending suggestion.
func (s *Service) PromoteRule(ctx context.Context, tenantID, ruleID uuid.UUID) (*domain.TrainingRule, error) {
	return s.review(ctx, tenantID, ruleID, domain.RuleStatusActive)
}

// RejectRule discards a pending suggestion. Rejected patterns are not suggested again
// until new corrections produce a fresh pattern key.
func (s *Service) RejectRule(ctx context.Context, tenantID, ruleID uuid.UUID) (*domain.TrainingRule, error) {
	return s.review(ctx, tenantID, ruleID, domain.RuleStatusRejected)
}

func (s *Service) review(ctx context.Context, tenantID, ruleID uuid.UUID, to domain.RuleStatus) (*domain.TrainingRule, error) {
	current, err := s.rules.GetByID(ctx, tenantID, ruleID)
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	if !domain.CanReview(current.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidRuleTransition, current.Status, to)
	}

	updated, err := s.rules.Review(ctx, tenantID, ruleID, current.Status, to, s.now())
	if err != nil {
		return nil, fmt.Errorf("review rule: %w", err)
	}
	s.Invalidate(tenantID)

	logger.WithFields(map[string]any{
		"tenant_id": tenantID,
		"rule_id":   ruleID,
		"status":    to,
	}).Info("[RuleService] rule reviewed")
	return updated, nil
}

func (s *Service) ListRules(ctx context.Context, tenantID uuid.UUID, status *domain.RuleStatus) ([]*domain.TrainingRule, error) {
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown rule status %q", domain.ErrInvalidInput, *status)
	}
	rules, err := s.rules.List(ctx, tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// =============================================================================
// Prompt context
// =============================================================================

// PromptContext returns the active vocabulary and active rules in creation
// order. Results are cached per tenant until the next topic or rule write.
func (s *Service) PromptContext(ctx context.Context, tenantID uuid.UUID) (*domain.PromptContext, error) {
	key := tenantID.String()
	if cached, ok := s.cache.Get(key); ok {
		return cached.(*domain.PromptContext), nil
	}
	stamp := s.stamp(tenantID)

	topics, err := s.topics.List(ctx, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("load topics: %w", err)
	}
	rules, err := s.rules.ListActive(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	pc := &domain.PromptContext{Topics: topics, Rules: make([]domain.PromptRule, 0, len(rules))}
	for _, r := range rules {
		pc.Rules = append(pc.Rules, domain.PromptRule{Topic: r.TopicName, Body: r.Body})
	}

	s.fill(tenantID, stamp, pc)
	return pc, nil
}

// Invalidate drops the cached prompt context of a tenant here and, when a
// bus is set, in every other process.
func (s *Service) Invalidate(tenantID uuid.UUID) {
	s.drop(tenantID)
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.PublishInvalidation(ctx, tenantID); err != nil {
		logger.WithError(err).WithField("tenant_id", tenantID).Warn("[RuleService] failed to broadcast prompt cache invalidation")
	}
}

// ListenForInvalidations applies invalidations from other processes until
// ctx ends.
func (s *Service) ListenForInvalidations(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	return s.bus.ListenInvalidations(ctx, s.drop, s.dropAll)
}

func (s *Service) stamp(tenantID uuid.UUID) cacheStamp {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return cacheStamp{epoch: s.epoch, gen: s.gens[tenantID]}
}

func (s *Service) fill(tenantID uuid.UUID, stamp cacheStamp, pc *domain.PromptContext) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.epoch != stamp.epoch || s.gens[tenantID] != stamp.gen {
		return
	}
	s.cache.SetDefault(tenantID.String(), pc)
}

func (s *Service) drop(tenantID uuid.UUID) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.gens[tenantID]++
	s.cache.Delete(tenantID.String())
}

func (s *Service) dropAll() {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.epoch++
	s.cache.Flush()
}

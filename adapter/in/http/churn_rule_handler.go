package http

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"churn_server/core/domain"
	"churn_server/core/port/in"
	"churn_server/pkg/apperr"
	"churn_server/pkg/response"
)

// RuleHandler serves topics and training rules.
type RuleHandler struct {
	rules in.RuleService
}

func NewRuleHandler(rules in.RuleService) *RuleHandler {
	return &RuleHandler{rules: rules}
}

func (h *RuleHandler) Register(router fiber.Router) {
	topics := router.Group("/topics")
	topics.Get("/", h.ListTopics)
	topics.Post("/", h.CreateTopic)
	topics.Delete("/:id", h.DeactivateTopic)

	rules := router.Group("/rules")
	rules.Get("/", h.ListRules)
	rules.Post("/", h.CreateRule)
	rules.Post("/suggestions", h.DetectSuggestions)
	rules.Post("/:id/promote", h.Promote)
	rules.Post("/:id/reject", h.Reject)
}

// ListTopics returns active topics; ?all=true includes deactivated ones.
func (h *RuleHandler) ListTopics(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	topics, err := h.rules.ListTopics(c.UserContext(), tenant, c.QueryBool("all", false))
	if err != nil {
		return err
	}
	return response.OK(c, topics)
}

type createTopicRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *RuleHandler) CreateTopic(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	var req createTopicRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	name, err := requireText("name", req.Name)
	if err != nil {
		return err
	}

	topic, err := h.rules.CreateTopic(c.UserContext(), tenant, name, req.Description)
	if err != nil {
		return err
	}
	return response.Created(c, topic)
}

func (h *RuleHandler) DeactivateTopic(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.rules.DeactivateTopic(c.UserContext(), tenant, id); err != nil {
		return err
	}
	return response.NoContent(c)
}

// ListRules accepts ?status=active|pending_review|rejected.
func (h *RuleHandler) ListRules(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	var status *domain.RuleStatus
	if raw := c.Query("status"); raw != "" {
		s := domain.RuleStatus(raw)
		if !s.Valid() {
			return apperr.InvalidInput("status", "must be one of active, pending_review, rejected")
		}
		status = &s
	}

	rules, err := h.rules.ListRules(c.UserContext(), tenant, status)
	if err != nil {
		return err
	}
	return response.OK(c, rules)
}

type createRuleRequest struct {
	TopicID uuid.UUID `json:"topic_id"`
	Body    string    `json:"body"`
}

// CreateRule stores a user-authored rule. It is active immediately.
func (h *RuleHandler) CreateRule(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	var req createRuleRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.TopicID == uuid.Nil {
		return apperr.InvalidInput("topic_id", "is required")
	}

	rule, err := h.rules.CreateUserRule(c.UserContext(), tenant, req.TopicID, req.Body)
	if err != nil {
		return err
	}
	return response.Created(c, rule)
}

// DetectSuggestions scans recent corrections and returns the new suggestions.
func (h *RuleHandler) DetectSuggestions(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	created, err := h.rules.DetectSuggestions(c.UserContext(), tenant)
	if err != nil {
		return err
	}
	if created == nil {
		created = []*domain.TrainingRule{}
	}
	return response.OK(c, created)
}

func (h *RuleHandler) Promote(c *fiber.Ctx) error {
	return h.review(c, h.rules.PromoteRule)
}

func (h *RuleHandler) Reject(c *fiber.Ctx) error {
	return h.review(c, h.rules.RejectRule)
}

func (h *RuleHandler) review(c *fiber.Ctx, fn func(ctx context.Context, tenantID, ruleID uuid.UUID) (*domain.TrainingRule, error)) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	rule, err := fn(c.UserContext(), tenant, id)
	if err != nil {
		return err
	}
	return response.OK(c, rule)
}

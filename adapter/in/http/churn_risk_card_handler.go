package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"churn_server/core/domain"
	"churn_server/core/port/in"
	"churn_server/infra/middleware"
	"churn_server/pkg/apperr"
	"churn_server/pkg/response"
)

// RiskCardHandler serves the risk card workflow.
type RiskCardHandler struct {
	cards in.RiskCardService
}

func NewRiskCardHandler(cards in.RiskCardService) *RiskCardHandler {
	return &RiskCardHandler{cards: cards}
}

func (h *RiskCardHandler) Register(router fiber.Router) {
	cards := router.Group("/risk-cards")
	cards.Get("/", h.List)
	cards.Get("/:id", h.Get)
	cards.Post("/:id/assign", h.Assign)
	cards.Post("/:id/transition", h.Transition)
	cards.Post("/:id/comments", h.Comment)
}

// List accepts ?status= and ?owner_id= filters.
func (h *RiskCardHandler) List(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	limit, offset, err := page(c)
	if err != nil {
		return err
	}

	filter := &domain.RiskCardFilter{Limit: limit, Offset: offset}
	if raw := c.Query("status"); raw != "" {
		s := domain.RiskCardStatus(raw)
		if !s.Valid() {
			return apperr.InvalidInput("status", "must be one of new, working, waiting, completed")
		}
		filter.Status = &s
	}
	if raw := c.Query("owner_id"); raw != "" {
		owner, err := uuid.Parse(raw)
		if err != nil {
			return apperr.InvalidInput("owner_id", "must be a UUID")
		}
		filter.OwnerID = &owner
	}

	cards, total, err := h.cards.List(c.UserContext(), tenant, filter)
	if err != nil {
		return err
	}
	return response.OKWithMeta(c, cards, response.NewMeta(total, limit, offset, len(cards)))
}

// Get returns the card with its comments, oldest first.
func (h *RiskCardHandler) Get(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	card, err := h.cards.Get(c.UserContext(), tenant, id)
	if err != nil {
		return err
	}
	return response.OK(c, card)
}

type assignRequest struct {
	OwnerID uuid.UUID `json:"owner_id"`
}

func (h *RiskCardHandler) Assign(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req assignRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.OwnerID == uuid.Nil {
		return apperr.InvalidInput("owner_id", "is required")
	}

	card, err := h.cards.AssignOwner(c.UserContext(), tenant, id, req.OwnerID, middleware.UserID(c))
	if err != nil {
		return err
	}
	return response.OK(c, card)
}

type transitionRequest struct {
	Status domain.RiskCardStatus `json:"status"`
}

func (h *RiskCardHandler) Transition(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if !req.Status.Valid() {
		return apperr.InvalidInput("status", "must be one of new, working, waiting, completed")
	}

	card, err := h.cards.Transition(c.UserContext(), tenant, id, req.Status, middleware.UserID(c))
	if err != nil {
		return err
	}
	return response.OK(c, card)
}

type commentRequest struct {
	Body string `json:"body"`
}

func (h *RiskCardHandler) Comment(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req commentRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	body, err := requireText("body", req.Body)
	if err != nil {
		return err
	}

	comment, err := h.cards.AddComment(c.UserContext(), tenant, id, middleware.UserID(c), body)
	if err != nil {
		return err
	}
	return response.Created(c, comment)
}

package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"churn_server/core/domain"
	"churn_server/core/port/in"
	"churn_server/core/port/out"
	"churn_server/pkg/apperr"
	"churn_server/pkg/response"
)

const maxImportDays = 90

// TicketHandler serves ticket import, listing and reclassification.
type TicketHandler struct {
	tickets     in.TicketService
	imports     in.ImportService
	jobs        out.ImportJobProducer
	defaultDays int
	importGuard []fiber.Handler
}

// NewTicketHandler creates a ticket handler. jobs may be nil, in which case
// async imports are refused.
func NewTicketHandler(tickets in.TicketService, imports in.ImportService, jobs out.ImportJobProducer, defaultDays int, importGuard ...fiber.Handler) *TicketHandler {
	if defaultDays <= 0 {
		defaultDays = 7
	}
	return &TicketHandler{
		tickets:     tickets,
		imports:     imports,
		jobs:        jobs,
		defaultDays: defaultDays,
		importGuard: importGuard,
	}
}

func (h *TicketHandler) Register(router fiber.Router) {
	tickets := router.Group("/tickets")

	tickets.Post("/import", append(h.importGuard, h.Import)...)
	tickets.Get("/", h.List)
	tickets.Get("/:id", h.Get)
	tickets.Post("/:id/topics", h.Reclassify)
	tickets.Post("/:id/reanalyze", h.Reanalyze)
}

// Import runs an import for the last ?days days. With ?async=true the job is
// queued for the worker and 202 is returned.
func (h *TicketHandler) Import(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	days := c.QueryInt("days", h.defaultDays)
	if days < 1 || days > maxImportDays {
		return apperr.InvalidInput("days", "must be between 1 and 90")
	}

	if c.QueryBool("async", false) {
		if h.jobs == nil {
			return apperr.New(apperr.CodeBadRequest, "background imports are not enabled", fiber.StatusBadRequest)
		}
		job := &out.ImportJob{TenantID: tenant, WindowDays: days, Requested: time.Now().UTC()}
		if err := h.jobs.PublishImportJob(c.UserContext(), job); err != nil {
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(response.Response{Success: true, Data: job})
	}

	summary, err := h.imports.ImportRecent(c.UserContext(), tenant, time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}
	return response.OK(c, summary)
}

// List returns tickets newest first. ?sentiment filters by score.
func (h *TicketHandler) List(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	limit, offset, err := page(c)
	if err != nil {
		return err
	}

	filter := domain.TicketFilter{Limit: limit, Offset: offset}
	if raw := c.Query("sentiment"); raw != "" {
		s, err := domain.ParseSentiment(raw)
		if err != nil {
			return apperr.InvalidInput("sentiment", "must be one of very_negative, negative, neutral, positive, very_positive")
		}
		filter.Sentiment = &s
	}

	views, total, err := h.tickets.List(c.UserContext(), tenant, filter)
	if err != nil {
		return err
	}
	return response.OKWithMeta(c, views, response.NewMeta(total, limit, offset, len(views)))
}

func (h *TicketHandler) Get(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	ticket, err := h.tickets.Get(c.UserContext(), tenant, id)
	if err != nil {
		return err
	}
	return response.OK(c, ticket)
}

type reclassifyRequest struct {
	TopicIDs []uuid.UUID `json:"topic_ids"`
}

// Reclassify replaces the ticket's topics with the caller's choice.
func (h *TicketHandler) Reclassify(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req reclassifyRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	assigned, err := h.tickets.Reclassify(c.UserContext(), tenant, id, req.TopicIDs)
	if err != nil {
		return err
	}
	return response.OK(c, assigned)
}

func (h *TicketHandler) Reanalyze(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	ticket, err := h.tickets.Reanalyze(c.UserContext(), tenant, id)
	if err != nil {
		return err
	}
	return response.OK(c, ticket)
}

package http

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"churn_server/infra/middleware"
	"churn_server/pkg/apperr"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func tenantID(c *fiber.Ctx) (uuid.UUID, error) {
	return middleware.TenantID(c)
}

func uuidParam(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, apperr.InvalidInput(name, "must be a UUID")
	}
	return id, nil
}

// page reads limit and offset, clamping limit to maxPageSize.
func page(c *fiber.Ctx) (limit, offset int, err error) {
	limit = c.QueryInt("limit", defaultPageSize)
	offset = c.QueryInt("offset", 0)
	if limit <= 0 {
		return 0, 0, apperr.InvalidInput("limit", "must be positive")
	}
	if offset < 0 {
		return 0, 0, apperr.InvalidInput("offset", "must not be negative")
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, offset, nil
}

func parseBody(c *fiber.Ctx, v any) error {
	if err := c.BodyParser(v); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	return nil
}

func requireText(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", apperr.InvalidInput(field, "is required")
	}
	return value, nil
}

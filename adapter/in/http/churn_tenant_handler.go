package http

import (
	"github.com/gofiber/fiber/v2"

	"churn_server/core/port/in"
	"churn_server/pkg/response"
)

// TenantHandler exposes the authenticated tenant.
type TenantHandler struct {
	tenants in.TenantService
}

func NewTenantHandler(tenants in.TenantService) *TenantHandler {
	return &TenantHandler{tenants: tenants}
}

func (h *TenantHandler) Register(router fiber.Router) {
	router.Get("/tenant", h.Get)
}

func (h *TenantHandler) Get(c *fiber.Ctx) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	t, err := h.tenants.Get(c.UserContext(), tenant)
	if err != nil {
		return err
	}
	return response.OK(c, t)
}

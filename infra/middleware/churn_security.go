package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"churn_server/pkg/apperr"
)

const CodeUnsupportedMedia = "UNSUPPORTED_MEDIA_TYPE"

// SecurityHeaders sets the response headers of a JSON-only API. HSTS is only
// sent when hsts is true, since local setups run over plain HTTP.
func SecurityHeaders(hsts bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if hsts {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		return c.Next()
	}
}

// NoStore keeps tenant data out of shared caches.
func NoStore() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderCacheControl, "no-store")
		return c.Next()
	}
}

// RequireJSON rejects request bodies that are not declared as JSON.
func RequireJSON() fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch:
		default:
			return c.Next()
		}
		if len(c.Body()) == 0 {
			return c.Next()
		}
		if !strings.HasPrefix(strings.ToLower(c.Get(fiber.HeaderContentType)), fiber.MIMEApplicationJSON) {
			return apperr.New(CodeUnsupportedMedia, "request body must be application/json", fiber.StatusUnsupportedMediaType)
		}
		return c.Next()
	}
}

package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"churn_server/pkg/apperr"
	"churn_server/pkg/ratelimit"
)

// KeyFunc picks the bucket a request is counted in.
type KeyFunc func(c *fiber.Ctx) string

// ByTenant counts authenticated requests per tenant and falls back to the client IP.
func ByTenant(c *fiber.Ctx) string {
	if id, ok := c.Locals(LocalTenantID).(uuid.UUID); ok {
		return "tenant:" + id.String()
	}
	return "ip:" + c.IP()
}

// RateLimit rejects requests over the limiter's budget with 429.
func RateLimit(limiter ratelimit.Limiter, key KeyFunc) fiber.Handler {
	if key == nil {
		key = ByTenant
	}
	return func(c *fiber.Ctx) error {
		allowed, retryAfter := limiter.Allow(c.UserContext(), key(c))
		if allowed {
			return c.Next()
		}
		secs := int(math.Ceil(retryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
		return apperr.New(apperr.CodeRateLimited, "rate limit exceeded", http.StatusTooManyRequests).
			WithDetail("retry_after", secs)
	}
}

// ImportLimit is the stricter budget for the import trigger.
func ImportLimit(limiter ratelimit.Limiter) fiber.Handler {
	return RateLimit(limiter, func(c *fiber.Ctx) string { return "import:" + ByTenant(c) })
}


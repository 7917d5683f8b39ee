package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"churn_server/pkg/apperr"
	"churn_server/pkg/logger"
)

const (
	LocalTenantID = "tenant_id"
	LocalUserID   = "user_id"
)

// Claims is the token payload the API accepts. Subject is the acting user.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// AuthConfig configures tenant authentication.
type AuthConfig struct {
	Secret   string
	Issuer   string        // optional, checked when set
	Leeway   time.Duration // clock skew allowance (default: 1m)
	SkipPath func(path string) bool
}

// TenantAuth validates HS256 bearer tokens and stores the tenant and user
// ids in fiber locals. Requests without a tenant claim are rejected.
func TenantAuth(cfg AuthConfig) fiber.Handler {
	if cfg.Leeway == 0 {
		cfg.Leeway = time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}
		if cfg.SkipPath != nil && cfg.SkipPath(c.Path()) {
			return c.Next()
		}
		if cfg.Secret == "" {
			return apperr.Internal(errors.New("JWT secret not configured"))
		}

		raw := bearerToken(c.Get(fiber.HeaderAuthorization))
		if raw == "" {
			return apperr.Unauthorized("missing authorization")
		}

		var claims Claims
		_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return []byte(cfg.Secret), nil
		})
		if err != nil {
			logger.WithError(err).Warn("JWT validation failed")
			if errors.Is(err, jwt.ErrTokenExpired) {
				return apperr.InvalidToken("token expired")
			}
			return apperr.InvalidToken("invalid token")
		}

		tenantID, err := uuid.Parse(claims.TenantID)
		if err != nil {
			return apperr.InvalidToken("token carries no valid tenant")
		}
		c.Locals(LocalTenantID, tenantID)

		if claims.Subject != "" {
			if userID, err := uuid.Parse(claims.Subject); err == nil {
				c.Locals(LocalUserID, userID)
			}
		}

		c.SetUserContext(logger.ContextWithTenant(c.UserContext(), tenantID))
		return c.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// TenantID returns the authenticated tenant.
func TenantID(c *fiber.Ctx) (uuid.UUID, error) {
	id, ok := c.Locals(LocalTenantID).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, apperr.Unauthorized("")
	}
	return id, nil
}

// UserID returns the acting user, or nil for service tokens.
func UserID(c *fiber.Ctx) *uuid.UUID {
	if id, ok := c.Locals(LocalUserID).(uuid.UUID); ok {
		return &id
	}
	return nil
}

// IssueToken signs a tenant token. Used by the CLI and tests.
func IssueToken(secret string, tenantID uuid.UUID, userID *uuid.UUID, ttl time.Duration) (string, error) {
	return IssueTokenFor(AuthConfig{Secret: secret}, tenantID, userID, ttl)
}

// IssueTokenFor signs a token that TenantAuth(cfg) accepts, issuer included.
func IssueTokenFor(cfg AuthConfig, tenantID uuid.UUID, userID *uuid.UUID, ttl time.Duration) (string, error) {
	if cfg.Secret == "" {
		return "", fmt.Errorf("JWT secret not configured")
	}
	now := time.Now()
	claims := Claims{
		TenantID: tenantID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if userID != nil {
		claims.Subject = userID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

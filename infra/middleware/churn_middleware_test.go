package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churn_server/core/domain"
	"churn_server/pkg/ratelimit"
	"churn_server/pkg/response"
)

const testSecret = "test-secret"

func newApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler()})
	app.Use(RequestID(), Recover())
	for _, h := range handlers {
		app.Use(h)
	}
	return app
}

func decode(t *testing.T, resp *http.Response) response.Response {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var r response.Response
	require.NoError(t, json.Unmarshal(body, &r))
	return r
}

func TestTenantAuth(t *testing.T) {
	app := newApp(TenantAuth(AuthConfig{Secret: testSecret}))
	app.Get("/who", func(c *fiber.Ctx) error {
		tenantID, err := TenantID(c)
		if err != nil {
			return err
		}
		user := ""
		if u := UserID(c); u != nil {
			user = u.String()
		}
		return c.JSON(fiber.Map{"tenant": tenantID.String(), "user": user})
	})

	tenantID, userID := uuid.New(), uuid.New()
	valid, err := IssueToken(testSecret, tenantID, &userID, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, tenantID, nil, -time.Hour)
	require.NoError(t, err)
	foreign, err := IssueToken("other-secret", tenantID, nil, time.Hour)
	require.NoError(t, err)
	noTenant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		status   int
		wantCode string
	}{
		{"valid", "Bearer " + valid, http.StatusOK, ""},
		{"missing", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong scheme", "Basic " + valid, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, "INVALID_TOKEN"},
		{"wrong key", "Bearer " + foreign, http.StatusUnauthorized, "INVALID_TOKEN"},
		{"no tenant claim", "Bearer " + noTenant, http.StatusUnauthorized, "INVALID_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/who", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			if tt.wantCode != "" {
				r := decode(t, resp)
				require.NotNil(t, r.Error)
				assert.Equal(t, tt.wantCode, r.Error.Code)
				return
			}
			var got map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, tenantID.String(), got["tenant"])
			assert.Equal(t, userID.String(), got["user"])
		})
	}
}

func TestTenantAuthChecksIssuer(t *testing.T) {
	cfg := AuthConfig{Secret: testSecret, Issuer: "churn"}
	app := newApp(TenantAuth(cfg))
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusNoContent) })

	tenantID := uuid.New()
	matching, err := IssueTokenFor(cfg, tenantID, nil, time.Hour)
	require.NoError(t, err)
	unstamped, err := IssueToken(testSecret, tenantID, nil, time.Hour)
	require.NoError(t, err)

	for token, status := range map[string]int{matching: http.StatusNoContent, unstamped: http.StatusUnauthorized} {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, status, resp.StatusCode)
	}
}

func TestErrorHandlerMapsDomainErrors(t *testing.T) {
	app := newApp()
	app.Get("/busy", func(c *fiber.Ctx) error { return domain.ErrImportInProgress })
	app.Get("/gone", func(c *fiber.Ctx) error { return domain.ErrNotFound })
	app.Get("/boom", func(c *fiber.Ctx) error { return errors.New("db exploded") })
	app.Get("/panic", func(c *fiber.Ctx) error { panic("oops") })

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/busy", http.StatusConflict, "IMPORT_IN_PROGRESS"},
		{"/gone", http.StatusNotFound, "NOT_FOUND"},
		{"/boom", http.StatusInternalServerError, "INTERNAL_ERROR"},
		{"/panic", http.StatusInternalServerError, "INTERNAL_ERROR"},
		{"/missing-route", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

			r := decode(t, resp)
			assert.False(t, r.Success)
			require.NotNil(t, r.Error)
			assert.Equal(t, tt.code, r.Error.Code)
			assert.NotContains(t, r.Error.Message, "exploded")
		})
	}
}

func TestRateLimit(t *testing.T) {
	app := newApp(RateLimit(ratelimit.NewLocal(2, time.Minute), nil))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decode(t, resp).Error.Code)
}

func TestSecurityMiddleware(t *testing.T) {
	app := newApp(SecurityHeaders(true), NoStore(), RequireJSON())
	app.Post("/echo", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))

	req = httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("a=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	assert.Equal(t, CodeUnsupportedMedia, decode(t, resp).Error.Code)

	// empty bodies pass without a content type
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/echo", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

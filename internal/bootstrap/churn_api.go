package bootstrap

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"churn_server/adapter/in/http"
	"churn_server/core/port/out"
	"churn_server/infra/middleware"
	"churn_server/pkg/logger"
	"churn_server/pkg/metrics"
	"churn_server/pkg/ratelimit"
)

// importsPerHour bounds manual import triggers per tenant.
const importsPerHour = 6

// NewApp builds the HTTP application over already constructed dependencies.
func NewApp(deps *Dependencies) *fiber.App {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             1 * 1024 * 1024,
		ReadTimeout:           30 * time.Second,
		// Synchronous imports can take minutes.
		WriteTimeout: 15 * time.Minute,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,Retry-After",
		AllowCredentials: allowOrigins != "" && allowOrigins != "*",
		MaxAge:           86400,
	}))

	// No auth
	http.NewHealthHandler(deps.Postgres.Pool, deps.Redis, deps.Mongo).Register(app)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(deps.Registry)))

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, every /api/v1 request will be rejected")
	}
	api := app.Group("/api/v1",
		middleware.TenantAuth(middleware.AuthConfig{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}),
		middleware.RateLimit(deps.Limiter, middleware.ByTenant),
		middleware.NoStore(),
		middleware.RequireJSON(),
	)

	// A nil *RedisProducer must not reach the handler as a non-nil interface.
	var jobs out.ImportJobProducer
	if deps.Producer != nil {
		jobs = deps.Producer
	}

	var importLimiter ratelimit.Limiter
	if deps.Redis != nil {
		importLimiter = ratelimit.NewSlidingWindow(deps.Redis, "ratelimit:import", importsPerHour, time.Hour)
	} else {
		importLimiter = ratelimit.NewLocal(importsPerHour, time.Hour)
	}

	http.NewTicketHandler(deps.Tickets, deps.Ingestion, jobs, cfg.ImportWindowDays, middleware.ImportLimit(importLimiter)).Register(api)
	http.NewRuleHandler(deps.Rules).Register(api)
	http.NewRiskCardHandler(deps.Risk).Register(api)
	http.NewTenantHandler(deps.Tenants).Register(api)

	return app
}

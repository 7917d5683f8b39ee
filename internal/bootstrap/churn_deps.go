// Package bootstrap wires configuration into running API and worker processes.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"churn_server/adapter/out/hubspot"
	"churn_server/adapter/out/messaging"
	"churn_server/adapter/out/mongodb"
	"churn_server/adapter/out/persistence"
	"churn_server/config"
	"churn_server/core/agent/llm"
	"churn_server/core/domain"
	"churn_server/core/port/in"
	"churn_server/core/port/out"
	"churn_server/core/service/ingestion"
	"churn_server/core/service/risk"
	"churn_server/core/service/rule"
	"churn_server/core/service/tenant"
	"churn_server/core/service/ticket"
	"churn_server/infra/database"
	"churn_server/pkg/cache"
	"churn_server/pkg/crypto"
	"churn_server/pkg/logger"
	"churn_server/pkg/metrics"
	"churn_server/pkg/ratelimit"
)

var (
	_ in.ImportService   = (*ingestion.Service)(nil)
	_ in.TicketService   = (*ticket.Service)(nil)
	_ in.RuleService     = (*rule.Service)(nil)
	_ in.RiskCardService = (*risk.Service)(nil)
	_ in.TenantService   = (*tenant.Service)(nil)
)

type Dependencies struct {
	Config   *config.Config
	Postgres *database.Postgres
	Redis    *redis.Client // nil when REDIS_URL is unset
	Mongo    *mongo.Client // nil when MONGODB_URL is unset

	Registry *prometheus.Registry
	Metrics  *metrics.PipelineMetrics

	// Repositories
	TenantRepo *persistence.TenantRepository
	TicketRepo *persistence.TicketRepository
	TopicRepo  *persistence.TopicRepository
	RuleRepo   *persistence.RuleRepository
	CardRepo   *persistence.RiskCardRepository

	// Adapters
	Sources  *hubspot.Factory
	Producer *messaging.RedisProducer // nil without Redis
	Archive  out.RawTicketArchive     // nil without MongoDB
	Limiter  ratelimit.Limiter

	// Services
	Ingestion *ingestion.Service
	Tickets   *ticket.Service
	Rules     *rule.Service
	Risk      *risk.Service
	Tenants   *tenant.Service
}

func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// PostgreSQL
	pgCfg := database.DefaultPostgresConfig()
	if cfg.DBMaxConns > 0 {
		pgCfg.MaxConns = int32(cfg.DBMaxConns)
	}
	pg, err := database.NewPostgres(ctx, cfg.DatabaseURL, pgCfg)
	if err != nil {
		return fail(fmt.Errorf("postgres: %w", err))
	}
	cleanups = append(cleanups, pg.Close)
	deps.Postgres = pg
	logger.Info("PostgreSQL connected")

	if cfg.AutoMigrate {
		applied, err := database.Migrate(ctx, pg.DB)
		if err != nil {
			return fail(fmt.Errorf("migrate: %w", err))
		}
		if applied > 0 {
			logger.Info("Applied %d migrations", applied)
		}
	}

	// Redis
	if cfg.RedisURL != "" {
		client, err := database.NewRedis(ctx, cfg.RedisURL, database.DefaultRedisConfig())
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		cleanups = append(cleanups, func() { client.Close() })
		deps.Redis = client
		logger.Info("Redis connected")
	} else {
		logger.Warn("REDIS_URL not set, import locks and rate limits are process-local and background jobs are disabled")
	}

	// MongoDB
	if cfg.MongoDBURL != "" {
		client, err := mongodb.NewClient(ctx, cfg.MongoDBURL)
		if err != nil {
			return fail(fmt.Errorf("mongodb: %w", err))
		}
		cleanups = append(cleanups, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(ctx)
		})
		deps.Mongo = client

		archive := mongodb.NewRawTicketArchive(client.Database(cfg.MongoDBName), cfg.ArchiveRetention())
		if err := archive.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Warn("Failed to ensure raw ticket archive indexes")
		}
		deps.Archive = archive
		logger.Info("MongoDB connected, raw ticket archive enabled")
	}

	// Metrics
	deps.Registry = metrics.NewRegistry()
	if deps.Metrics, err = metrics.NewPipelineMetrics(deps.Registry); err != nil {
		return fail(fmt.Errorf("metrics: %w", err))
	}
	if err := metrics.RegisterDBStats(deps.Registry, pg.DB.DB, "churn"); err != nil {
		logger.WithError(err).Warn("Failed to register database stats collector")
	}

	// Repositories
	var cipher *crypto.TokenCipher
	if cfg.EncryptionKey != "" {
		if cipher, err = crypto.NewTokenCipher([]byte(cfg.EncryptionKey)); err != nil {
			return fail(fmt.Errorf("token cipher: %w", err))
		}
	}
	deps.TenantRepo = persistence.NewTenantRepository(pg.DB, cipher)
	deps.TicketRepo = persistence.NewTicketRepository(pg.DB)
	deps.TopicRepo = persistence.NewTopicRepository(pg.DB)
	deps.RuleRepo = persistence.NewRuleRepository(pg.DB)
	deps.CardRepo = persistence.NewRiskCardRepository(pg.DB)

	// Adapters
	deps.Sources = hubspot.NewFactory(hubspot.Config{
		ClientID:     cfg.HubSpotClientID,
		ClientSecret: cfg.HubSpotClientSecret,
		BaseURL:      cfg.HubSpotBaseURL,
		MRRProperty:  cfg.HubSpotMRRProperty,
	}, deps.TenantRepo)

	var (
		lock   out.ImportLock
		events out.EventPublisher
	)
	if deps.Redis != nil {
		deps.Producer = messaging.NewRedisProducer(deps.Redis)
		events = deps.Producer
		lock = cache.NewRedisLock(deps.Redis)
		deps.Limiter = ratelimit.NewSlidingWindow(deps.Redis, "ratelimit", cfg.RateLimitPerMin, time.Minute)
	} else {
		lock = cache.NewLocalLock()
		deps.Limiter = ratelimit.NewLocal(cfg.RateLimitPerMin, time.Minute)
	}

	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, ticket analysis will fail until it is configured")
	}
	completer := llm.NewClientWithConfig(llm.ClientConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
	})
	analyzerCfg := llm.DefaultAnalyzerConfig()
	analyzerCfg.Model = cfg.LLMModel
	analyzerCfg.Timeout = time.Duration(cfg.LLMTimeoutSec) * time.Second
	analyzerCfg.MaxRetries = cfg.LLMMaxRetries
	analyzerCfg.BackoffBase = time.Duration(cfg.LLMBackoffBaseMS) * time.Millisecond
	if cfg.LLMPromptDir != "" {
		prompts, err := llm.LoadPromptTemplates(os.DirFS(cfg.LLMPromptDir), ".")
		if err != nil {
			return fail(fmt.Errorf("load prompt templates: %w", err))
		}
		if _, _, err := llm.RenderPrompt(prompts, domain.AnalysisInput{Content: "x"}, 0); err != nil {
			return fail(fmt.Errorf("prompt templates in %s: %w", cfg.LLMPromptDir, err))
		}
		analyzerCfg.Prompts = prompts
		logger.WithField("dir", cfg.LLMPromptDir).Info("Loaded %d prompt templates", len(prompts))
	}
	analyzer := llm.NewTicketAnalyzer(completer, analyzerCfg, deps.Metrics)

	// Services
	deps.Rules = rule.NewService(deps.TopicRepo, deps.RuleRepo, rule.DetectorConfig{
		Window:    cfg.SuggestionWindow(),
		Threshold: cfg.SuggestionThreshold,
	}, deps.Metrics)
	if deps.Redis != nil {
		deps.Rules.SetInvalidationBus(messaging.NewRedisCacheBus(deps.Redis, logger.Default().Zerolog()))
		listenCtx, stopListening := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := deps.Rules.ListenForInvalidations(listenCtx); err != nil {
				logger.WithError(err).Error("Prompt cache invalidation listener stopped")
			}
		}()
		cleanups = append(cleanups, func() {
			stopListening()
			<-done
		})
	}
	deps.Risk = risk.NewService(deps.CardRepo, events, risk.Config{ConfidenceFloor: cfg.ConfidenceFloor}, deps.Metrics)
	deps.Ingestion = ingestion.NewService(ingestion.Deps{
		Sources:  deps.Sources,
		Tickets:  deps.TicketRepo,
		Analyzer: analyzer,
		Prompts:  deps.Rules,
		Topics:   deps.Rules,
		Risk:     deps.Risk,
		Lock:     lock,
		Archive:  deps.Archive,
		Metrics:  deps.Metrics,
	}, ingestion.Config{
		Window:          cfg.ImportWindow(),
		BatchSize:       cfg.ImportBatchSize,
		ConfidenceFloor: cfg.ConfidenceFloor,
	})
	deps.Tickets = ticket.NewService(deps.TicketRepo, deps.TopicRepo, deps.Ingestion)
	deps.Tenants = tenant.NewService(deps.TenantRepo, deps.Archive, deps.Rules)

	return deps, cleanup, nil
}

// HealthCheck pings every configured backend.
func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.Postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if d.Mongo != nil {
		if err := d.Mongo.Ping(ctx, nil); err != nil {
			return fmt.Errorf("mongodb: %w", err)
		}
	}
	return nil
}

// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Storage
	DatabaseURL     string
	DBMaxConns      int
	RedisURL        string
	MongoDBURL      string
	MongoDBName     string
	ArchiveTTLDays  int
	AutoMigrate     bool
	EncryptionKey   string
	AllowedOrigins  []string
	RateLimitPerMin int

	// Auth
	JWTSecret string
	JWTIssuer string

	// LLM
	OpenAIAPIKey     string
	LLMBaseURL       string
	LLMModel         string
	LLMMaxTokens     int
	LLMTemperature   float64
	LLMTimeoutSec    int
	LLMMaxRetries    int
	LLMBackoffBaseMS int
	// LLMPromptDir overrides the builtin prompt templates when set.
	LLMPromptDir string

	// HubSpot
	HubSpotClientID     string
	HubSpotClientSecret string
	HubSpotBaseURL      string
	HubSpotMRRProperty  string

	// Pipeline
	ImportWindowDays     int
	ImportBatchSize      int
	ConfidenceFloor      float64
	SuggestionThreshold  int
	SuggestionWindowDays int

	// Worker
	WorkerID                string
	ConsumerBatchSize       int
	ConsumerBlockMS         int
	ConsumerMaxRetries      int
	ConsumerPendingCheckSec int
	SchedulerEnabled        bool
	SchedulerInterval       time.Duration
}

func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("db_max_conns", 25)
	v.SetDefault("mongodb_database", "churn")
	v.SetDefault("archive_ttl_days", 90)
	v.SetDefault("auto_migrate", true)
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("rate_limit_per_min", 120)

	v.SetDefault("jwt_issuer", "")

	v.SetDefault("llm_model", "gpt-4o-mini")
	v.SetDefault("llm_max_tokens", 1024)
	v.SetDefault("llm_temperature", 0.2)
	v.SetDefault("llm_timeout_sec", 30)
	v.SetDefault("llm_max_retries", 3)
	v.SetDefault("llm_backoff_base_ms", 1000)

	v.SetDefault("hubspot_mrr_property", "mrr")

	v.SetDefault("import_window_days", 7)
	v.SetDefault("import_batch_size", 10)
	v.SetDefault("confidence_floor", 0.7)
	v.SetDefault("suggestion_threshold", 3)
	v.SetDefault("suggestion_window_days", 30)

	v.SetDefault("consumer_batch_size", 10)
	v.SetDefault("consumer_block_ms", 5000)
	v.SetDefault("consumer_max_retries", 3)
	v.SetDefault("consumer_pending_check_sec", 30)
	v.SetDefault("scheduler_enabled", true)
	v.SetDefault("scheduler_interval", "1h")
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:        v.GetString("port"),
		Environment: v.GetString("env"),
		LogLevel:    v.GetString("log_level"),

		DatabaseURL:     v.GetString("database_url"),
		DBMaxConns:      v.GetInt("db_max_conns"),
		RedisURL:        v.GetString("redis_url"),
		MongoDBURL:      v.GetString("mongodb_url"),
		MongoDBName:     v.GetString("mongodb_database"),
		ArchiveTTLDays:  v.GetInt("archive_ttl_days"),
		AutoMigrate:     v.GetBool("auto_migrate"),
		EncryptionKey:   v.GetString("encryption_key"),
		AllowedOrigins:  splitList(v.GetString("allowed_origins")),
		RateLimitPerMin: v.GetInt("rate_limit_per_min"),

		JWTSecret: v.GetString("jwt_secret"),
		JWTIssuer: v.GetString("jwt_issuer"),

		OpenAIAPIKey:     v.GetString("openai_api_key"),
		LLMBaseURL:       v.GetString("llm_base_url"),
		LLMModel:         v.GetString("llm_model"),
		LLMMaxTokens:     v.GetInt("llm_max_tokens"),
		LLMTemperature:   v.GetFloat64("llm_temperature"),
		LLMTimeoutSec:    v.GetInt("llm_timeout_sec"),
		LLMMaxRetries:    v.GetInt("llm_max_retries"),
		LLMBackoffBaseMS: v.GetInt("llm_backoff_base_ms"),
		LLMPromptDir:     v.GetString("llm_prompt_dir"),

		HubSpotClientID:     v.GetString("hubspot_client_id"),
		HubSpotClientSecret: v.GetString("hubspot_client_secret"),
		HubSpotBaseURL:      v.GetString("hubspot_base_url"),
		HubSpotMRRProperty:  v.GetString("hubspot_mrr_property"),

		ImportWindowDays:     v.GetInt("import_window_days"),
		ImportBatchSize:      v.GetInt("import_batch_size"),
		ConfidenceFloor:      v.GetFloat64("confidence_floor"),
		SuggestionThreshold:  v.GetInt("suggestion_threshold"),
		SuggestionWindowDays: v.GetInt("suggestion_window_days"),

		WorkerID:                v.GetString("worker_id"),
		ConsumerBatchSize:       v.GetInt("consumer_batch_size"),
		ConsumerBlockMS:         v.GetInt("consumer_block_ms"),
		ConsumerMaxRetries:      v.GetInt("consumer_max_retries"),
		ConsumerPendingCheckSec: v.GetInt("consumer_pending_check_sec"),
		SchedulerEnabled:        v.GetBool("scheduler_enabled"),
		SchedulerInterval:       v.GetDuration("scheduler_interval"),
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = generateWorkerID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every mode needs.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.ConfidenceFloor <= 0 || c.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("CONFIDENCE_FLOOR must be in (0, 1], got %v", c.ConfidenceFloor))
	}
	if c.ImportWindowDays < 1 || c.ImportWindowDays > 90 {
		errs = append(errs, fmt.Errorf("IMPORT_WINDOW_DAYS must be between 1 and 90, got %d", c.ImportWindowDays))
	}
	if c.SuggestionThreshold < 1 {
		errs = append(errs, fmt.Errorf("SUGGESTION_THRESHOLD must be positive, got %d", c.SuggestionThreshold))
	}
	if c.IsProduction() && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) ImportWindow() time.Duration {
	return time.Duration(c.ImportWindowDays) * 24 * time.Hour
}

func (c *Config) SuggestionWindow() time.Duration {
	return time.Duration(c.SuggestionWindowDays) * 24 * time.Hour
}

func (c *Config) ArchiveRetention() time.Duration {
	return time.Duration(c.ArchiveTTLDays) * 24 * time.Hour
}

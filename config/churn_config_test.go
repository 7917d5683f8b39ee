package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromViperDefaults(t *testing.T) {
	v := newViper()
	v.Set("database_url", "postgres://localhost/churn")

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 7*24*time.Hour, cfg.ImportWindow())
	assert.Equal(t, 30*24*time.Hour, cfg.SuggestionWindow())
	assert.Equal(t, 3, cfg.SuggestionThreshold)
	assert.InDelta(t, 0.7, cfg.ConfidenceFloor, 1e-9)
	assert.Equal(t, time.Hour, cfg.SchedulerInterval)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.NotEmpty(t, cfg.WorkerID)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/churn")
	t.Setenv("SUGGESTION_THRESHOLD", "5")
	t.Setenv("CONFIDENCE_FLOOR", "0.55")
	t.Setenv("SCHEDULER_INTERVAL", "15m")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://db/churn", cfg.DatabaseURL)
	assert.Equal(t, 5, cfg.SuggestionThreshold)
	assert.InDelta(t, 0.55, cfg.ConfidenceFloor, 1e-9)
	assert.Equal(t, 15*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		set     map[string]any
		wantErr string
	}{
		{"missing database", map[string]any{}, "DATABASE_URL"},
		{"floor out of range", map[string]any{"database_url": "x", "confidence_floor": 1.5}, "CONFIDENCE_FLOOR"},
		{"window too long", map[string]any{"database_url": "x", "import_window_days": 120}, "IMPORT_WINDOW_DAYS"},
		{"production needs jwt", map[string]any{"database_url": "x", "env": "production"}, "JWT_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			setDefaults(v)
			for k, val := range tt.set {
				v.Set(k, val)
			}
			_, err := FromViper(v)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

package bootstrap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churn_server/config"
)

func TestNewWorkerRequiresRedis(t *testing.T) {
	_, err := NewWorker(&Dependencies{Config: &config.Config{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestDurations(t *testing.T) {
	assert.Equal(t, 5*time.Second, msDuration(5000))
	assert.Equal(t, time.Minute, secDuration(60))
	assert.Zero(t, msDuration(0))
}

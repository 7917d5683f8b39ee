package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalLimiterPerKey(t *testing.T) {
	l := NewLocal(2, time.Minute)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "a")
	assert.True(t, ok)

	ok, wait := l.Allow(ctx, "a")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 30*time.Second)

	ok, _ = l.Allow(ctx, "b")
	assert.True(t, ok, "keys are independent")
}

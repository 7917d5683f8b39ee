package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 10*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(10))
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	cb := NewBreaker(BreakerConfig{Name: "test", Timeout: time.Minute})
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
	}

	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	assert.True(t, IsOpen(err))
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	permanent := errors.New("bad request")
	cb := NewBreaker(BreakerConfig{
		Name:      "test",
		IsFailure: func(err error) bool { return !errors.Is(err, permanent) },
	})

	for i := 0; i < 20; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, permanent })
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

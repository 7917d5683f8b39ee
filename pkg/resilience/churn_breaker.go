// Package resilience provides fault tolerance helpers for external service calls.
package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"churn_server/pkg/logger"
)

// BreakerConfig tunes a circuit breaker. Zero values take the defaults below.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32        // allowed through while half-open (default: 3)
	Interval         time.Duration // closed-state counter reset (default: 60s)
	Timeout          time.Duration // open-state duration before half-open (default: 30s)
	ConsecutiveTrips uint32        // consecutive failures that trip (default: 5)
	MinRequests      uint32        // requests before the ratio applies (default: 10)
	FailureRatio     float64       // ratio that trips (default: 0.6)

	// IsFailure decides which errors count against the breaker.
	// nil counts every non-nil error.
	IsFailure func(err error) bool
}

// NewBreaker builds a gobreaker circuit breaker that trips after
// ConsecutiveTrips failures in a row or FailureRatio over MinRequests.
func NewBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 3
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConsecutiveTrips == 0 {
		cfg.ConsecutiveTrips = 5
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.6
	}

	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveTrips {
				return true
			}
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithField("breaker", name).Warn("[CircuitBreaker] state changed from %s to %s", from.String(), to.String())
		},
	}
	if cfg.IsFailure != nil {
		isFailure := cfg.IsFailure
		st.IsSuccessful = func(err error) bool {
			return err == nil || !isFailure(err)
		}
	}
	return gobreaker.NewCircuitBreaker(st)
}

// IsOpen reports whether err was produced by a breaker refusing the call.
func IsOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// Backoff is a doubling delay schedule with a ceiling.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

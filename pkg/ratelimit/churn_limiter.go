// Package ratelimit limits request rates per key.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter reports whether a request for key may proceed and, if not, how
// long the caller should wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// slidingWindowScript keeps one sorted set per key with a member per request.
// It returns 1 when allowed, or the negative wait in milliseconds.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local max_requests = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local count = redis.call('ZCARD', key)

	if count < max_requests then
		redis.call('ZADD', key, now, now .. '-' .. math.random())
		redis.call('PEXPIRE', key, window_ms * 2)
		return 1
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if #oldest > 0 then
		return -(oldest[2] + window_ms - now)
	end
	return 0
`)

// SlidingWindow is a Redis sliding-window limiter shared by all replicas.
type SlidingWindow struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewSlidingWindow(client *redis.Client, prefix string, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{redis: client, limit: limit, window: window, prefix: prefix}
}

// Allow fails open when Redis errors.
func (l *SlidingWindow) Allow(ctx context.Context, key string) (bool, time.Duration) {
	now := time.Now()
	res, err := slidingWindowScript.Run(ctx, l.redis, []string{l.prefix + key},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.limit,
		l.window.Milliseconds(),
	).Int64()
	if err != nil {
		return true, 0
	}
	if res == 1 {
		return true, 0
	}
	if res < 0 {
		return false, time.Duration(-res) * time.Millisecond
	}
	return false, l.window
}

// Local is a per-process token bucket per key.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// NewLocal allows limit requests per window with a burst of limit.
func NewLocal(limit int, window time.Duration) *Local {
	return &Local{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, time.Duration) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	r := lim.Reserve()
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

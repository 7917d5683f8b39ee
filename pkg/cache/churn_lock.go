package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const importLockPrefix = "churn:import:lock:"

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another importer is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a per-tenant import lock shared by every process.
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

// TryLock sets the tenant key with NX and a TTL. It never waits.
func (l *RedisLock) TryLock(ctx context.Context, tenantID uuid.UUID, ttl time.Duration) (func(), bool, error) {
	key := importLockPrefix + tenantID.String()
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return unlock, true, nil
}

// LocalLock is the in-process fallback when Redis is not configured.
type LocalLock struct {
	mu   sync.Mutex
	held map[uuid.UUID]time.Time
	now  func() time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[uuid.UUID]time.Time), now: time.Now}
}

// TryLock takes the tenant slot unless it is held and not yet expired.
func (l *LocalLock) TryLock(_ context.Context, tenantID uuid.UUID, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[tenantID]; ok && now.Before(exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	l.held[tenantID] = exp

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[tenantID].Equal(exp) {
				delete(l.held, tenantID)
			}
		})
	}
	return unlock, true, nil
}

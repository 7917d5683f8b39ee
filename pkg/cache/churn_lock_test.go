package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	lock := NewLocalLock()
	tenant := uuid.New()

	unlock, ok, err := lock.TryLock(ctx, tenant, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryLock(ctx, tenant, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second caller must not get the lock")

	_, ok, _ = lock.TryLock(ctx, uuid.New(), time.Minute)
	assert.True(t, ok, "other tenants are independent")

	unlock()
	unlock()

	_, ok, _ = lock.TryLock(ctx, tenant, time.Minute)
	assert.True(t, ok)
}

func TestLocalLockExpires(t *testing.T) {
	ctx := context.Background()
	lock := NewLocalLock()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lock.now = func() time.Time { return now }
	tenant := uuid.New()

	staleUnlock, ok, _ := lock.TryLock(ctx, tenant, time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = lock.TryLock(ctx, tenant, time.Minute)
	require.True(t, ok, "expired lock can be taken over")

	// the stale holder must not release the new holder's lock
	staleUnlock()
	_, ok, _ = lock.TryLock(ctx, tenant, time.Minute)
	assert.False(t, ok)
}

package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/cache/redis"
	"github.com/alanyoungcy/betledger/internal/domain"
)

func TestLockManager_SecondAcquireIsHeld(t *testing.T) {
	c, _, mr := newClient(t)
	lm := redis.NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "settle:7", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists(prefix+"lock:settle:7"))

	_, err = lm.Acquire(ctx, "settle:7", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := lm.Acquire(ctx, "settle:8", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.False(t, mr.Exists(prefix+"lock:settle:7"))

	again, err := lm.Acquire(ctx, "settle:7", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLockManager_StaleUnlockKeepsNewHolder(t *testing.T) {
	c, _, mr := newClient(t)
	lm := redis.NewLockManager(c)
	ctx := context.Background()

	stale, err := lm.Acquire(ctx, "settle:7", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := lm.Acquire(ctx, "settle:7", time.Minute)
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists(prefix+"lock:settle:7"))
	_, err = lm.Acquire(ctx, "settle:7", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	fresh()
	assert.False(t, mr.Exists(prefix+"lock:settle:7"))
}

package checkout

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard(t *testing.T) {
	guard := NewMemoryGuard()
	ctx := context.Background()

	release, err := guard.Acquire(ctx, "pay-1")
	require.NoError(t, err)

	_, err = guard.Acquire(ctx, "pay-1")
	assert.Equal(t, ErrSubmissionInProgress, err)

	other, err := guard.Acquire(ctx, "pay-2")
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := guard.Acquire(ctx, "pay-1")
	require.NoError(t, err)
	again()
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Logf("failed to close redis client: %v", err)
		}
	})
	return client
}

func TestRedisGuard(t *testing.T) {
	client := newTestRedis(t)
	guard := NewRedisGuard(client)
	ctx := context.Background()
	key := "test-" + t.Name()
	client.Del(ctx, redisKeyPrefix+key)

	release, err := guard.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = guard.Acquire(ctx, key)
	assert.Equal(t, ErrSubmissionInProgress, err)

	ttl, err := client.PTTL(ctx, redisKeyPrefix+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl.Milliseconds(), int64(0))

	release()

	again, err := guard.Acquire(ctx, key)
	require.NoError(t, err)
	again()
}

func TestRedisGuardLeavesForeignLock(t *testing.T) {
	client := newTestRedis(t)
	guard := NewRedisGuard(client)
	ctx := context.Background()
	key := "test-" + t.Name()
	lockKey := redisKeyPrefix + key
	client.Del(ctx, lockKey)

	release, err := guard.Acquire(ctx, key)
	require.NoError(t, err)

	// simulate expiry and takeover by another replica
	require.NoError(t, client.Set(ctx, lockKey, "someone-else", 0).Err())
	release()

	value, err := client.Get(ctx, lockKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
	client.Del(ctx, lockKey)
}

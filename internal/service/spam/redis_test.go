package spam

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	client, err := NewRedisClient(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisGuardSerializesSameKey(t *testing.T) {
	client := newTestRedisClient(t)
	g := NewRedisGuard(client, time.Minute)
	ctx := context.Background()
	key := "test-" + uuid.NewString()

	release, err := g.Acquire(ctx, key)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(waitCtx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan func(), 1)
	go func() {
		second, err := g.Acquire(ctx, key)
		if err == nil {
			acquired <- second
		}
	}()

	release()
	release()

	select {
	case second := <-acquired:
		second()
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestRedisGuardRefreshesHeldLock(t *testing.T) {
	client := newTestRedisClient(t)
	g := NewRedisGuard(client, 300*time.Millisecond)
	ctx := context.Background()
	key := "test-" + uuid.NewString()

	release, err := g.Acquire(ctx, key)
	require.NoError(t, err)

	// Well past the bare ttl, the lock is still held.
	time.Sleep(900 * time.Millisecond)
	exists, err := client.Exists(ctx, redisKeyPrefix+key).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, exists)

	release()
	exists, err = client.Exists(ctx, redisKeyPrefix+key).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

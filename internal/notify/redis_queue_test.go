package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisQueue connects to REDIS_URL and flushes the queue keys. Skips
// when no Redis is configured.
func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())
	keys, _ := client.Keys(ctx, "escrowd:email:*").Result()
	if len(keys) > 0 {
		require.NoError(t, client.Del(ctx, keys...).Err())
	}
	return NewRedisQueue(client)
}

func TestRedisQueue_Lifecycle(t *testing.T) {
	q := newRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Message{Template: TplReceipt, To: "a@example.com", Subject: "s"}))
	require.NoError(t, q.Enqueue(ctx, Message{Template: TplReceipt, To: "b@example.com", Subject: "s"}))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	now := time.Now().Add(time.Second)
	jobs, err := q.Claim(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	again, err := q.Claim(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Complete(ctx, jobs[0].ID))
	require.NoError(t, q.Retry(ctx, jobs[1].ID, 1, "timeout", now))

	retried, err := q.Claim(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 1, retried[0].Attempts)
	assert.Equal(t, "timeout", retried[0].LastError)

	require.NoError(t, q.Bury(ctx, retried[0].ID, 8, "gave up"))
	depth, _ = q.Depth(ctx)
	assert.Equal(t, 0, depth)
	assert.ErrorIs(t, q.Complete(ctx, retried[0].ID), ErrJobNotFound)
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_FixedWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := New(2, time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, remaining := l.Allow(ctx, "1.2.3.4")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	ok, _ = l.Allow(ctx, "1.2.3.4")
	assert.True(t, ok)
	ok, remaining = l.Allow(ctx, "1.2.3.4")
	assert.False(t, ok)
	assert.Equal(t, -1, remaining)

	ok, _ = l.Allow(ctx, "5.6.7.8")
	assert.True(t, ok, "keys are counted independently")

	now = now.Add(time.Minute)
	ok, _ = l.Allow(ctx, "1.2.3.4")
	assert.True(t, ok, "a new window resets the counter")
}

func TestLimiter_Disabled(t *testing.T) {
	t.Parallel()

	l := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		ok, _ := l.Allow(context.Background(), "k")
		require.True(t, ok)
	}

	var nilLimiter *Limiter
	ok, _ := nilLimiter.Allow(context.Background(), "k")
	assert.True(t, ok)
	assert.Equal(t, 0, nilLimiter.Limit())
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(1, time.Hour)
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "extract"))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "extract")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_WaitResumesInNextWindow(t *testing.T) {
	t.Parallel()

	l := New(1, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "extract"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "extract"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestLimiter_RedisFailureFallsBackToLocal(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	l := New(1, time.Hour, WithRedis(client), WithPrefix("test"))
	ok, _ := l.Allow(context.Background(), "k")
	assert.True(t, ok)
	ok, _ = l.Allow(context.Background(), "k")
	assert.False(t, ok)
}

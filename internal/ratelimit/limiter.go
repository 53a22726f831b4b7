package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MimeLyc/subcache/pkg/log"
	redis "github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window counter keyed by an arbitrary string (client IP,
// "extract"). With a Redis client the window is shared across processes;
// Redis errors fall back to the in-process counter.
type Limiter struct {
	limit  int
	window time.Duration
	prefix string
	redis  *redis.Client
	now    func() time.Time

	mu     sync.Mutex
	bucket int64
	counts map[string]int
}

type Option func(*Limiter)

func WithRedis(client *redis.Client) Option {
	return func(l *Limiter) {
		l.redis = client
	}
}

func WithPrefix(prefix string) Option {
	return func(l *Limiter) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// New returns a limiter admitting limit events per window. A limit <= 0
// admits everything.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		limit:  limit,
		window: window,
		prefix: "ratelimit",
		now:    time.Now,
		counts: map[string]int{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one event for key and reports whether it fits in the current
// window, plus the remaining quota (best effort).
func (l *Limiter) Allow(ctx context.Context, key string) (bool, int) {
	if l == nil || l.limit <= 0 {
		return true, 0
	}
	bucket := l.now().UnixNano() / int64(l.window)

	if l.redis != nil {
		rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		rkey := fmt.Sprintf("%s:%s:%d", l.prefix, key, bucket)
		n, err := l.redis.Incr(rctx, rkey).Result()
		if err == nil {
			if n == 1 {
				_ = l.redis.Expire(rctx, rkey, l.window+5*time.Second).Err()
			}
			return int(n) <= l.limit, l.limit - int(n)
		}
		log.Warn("rate limit redis unavailable, using local counter: %v", err)
	}
	return l.allowLocal(bucket, key)
}

func (l *Limiter) allowLocal(bucket int64, key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket != l.bucket {
		l.bucket = bucket
		l.counts = map[string]int{}
	}
	l.counts[key]++
	n := l.counts[key]
	return n <= l.limit, l.limit - n
}

// Wait blocks until an event for key is admitted or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	for {
		if ok, _ := l.Allow(ctx, key); ok {
			return nil
		}
		now := l.now()
		next := time.Unix(0, (now.UnixNano()/int64(l.window)+1)*int64(l.window))
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Limit reports the configured events per window.
func (l *Limiter) Limit() int {
	if l == nil {
		return 0
	}
	return l.limit
}

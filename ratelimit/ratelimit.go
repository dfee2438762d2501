package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a key may perform one more action in the current window
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Noop allows everything
type Noop struct{}

func (Noop) Allow(context.Context, string) bool {
	return true
}

// Memory is a fixed window limiter for single-process deployments
type Memory struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*bucket
	sweepAt time.Time
	now     func() time.Time
}

type bucket struct {
	remaining int
	resetAt   time.Time
}

func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *Memory) Allow(_ context.Context, key string) bool {
	if l.limit <= 0 || l.window <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		l.buckets[key] = &bucket{remaining: l.limit - 1, resetAt: now.Add(l.window)}
		return true
	}

	if b.remaining <= 0 {
		return false
	}

	b.remaining--
	return true
}

// sweep drops expired buckets at most once per window
func (l *Memory) sweep(now time.Time) {
	if now.Before(l.sweepAt) {
		return
	}
	for key, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, key)
		}
	}
	l.sweepAt = now.Add(l.window)
}

const script = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if current > tonumber(ARGV[2]) then
  return 0
end
return 1
`

// Redis shares the window across processes. It fails open when redis is unreachable.
type Redis struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	script *redis.Script
}

func NewRedis(client *redis.Client, limit int, window time.Duration, prefix string) *Redis {
	return &Redis{
		client: client,
		limit:  limit,
		window: window,
		prefix: prefix,
		script: redis.NewScript(script),
	}
}

func (l *Redis) Allow(ctx context.Context, key string) bool {
	if l == nil || l.client == nil || l.limit <= 0 || l.window <= 0 || key == "" {
		return true
	}

	redisKey := key
	if l.prefix != "" {
		redisKey = l.prefix + ":" + key
	}
	ttl := l.window.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}

	ctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()

	allowed, err := l.script.Run(ctx, l.client, []string{redisKey}, ttl, l.limit).Int64()
	if err != nil {
		slog.Warn("ratelimit: Redis check failed, allowing", "error", err, "key", redisKey)
		return true
	}

	return allowed == 1
}

// Connect parses a redis URL and checks the server answers
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

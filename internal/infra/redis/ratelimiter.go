package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	backoffStep = 20 * time.Millisecond
	backoffMax  = 100 * time.Millisecond
)

// acquireScript keeps one sorted set of debits per window, scored by time in ms. Members
// are "<id>:<tokens>". Every window is pruned and checked before any is debited.
// KEYS: window sets. ARGV[1]: tokens, ARGV[2]: now ms, ARGV[3]: member id,
// then (limit, cutoffMs, windowMs) per key. Debits scored at or before cutoff have expired.
var acquireScript = goredis.NewScript(`
local n = tonumber(ARGV[1])
for i = 1, #KEYS do
  local base = 3 + (i - 1) * 3
  local limit = tonumber(ARGV[base + 1])
  redis.call("ZREMRANGEBYSCORE", KEYS[i], "-inf", ARGV[base + 2])
  local used = 0
  for _, member in ipairs(redis.call("ZRANGE", KEYS[i], 0, -1)) do
    used = used + tonumber(string.match(member, ":(%d+)$"))
  end
  if used + n > limit then
    return 0
  end
end
local member = ARGV[3] .. ":" .. ARGV[1]
for i = 1, #KEYS do
  local base = 3 + (i - 1) * 3
  redis.call("ZADD", KEYS[i], ARGV[2], member)
  redis.call("PEXPIRE", KEYS[i], ARGV[base + 3])
end
return 1
`)

type slidingWindow struct {
	name     string
	limit    int
	interval time.Duration
}

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a distributed sliding-log limiter shared by all engine instances.
// Admissions within any rolling window never exceed the window's limit.
type RedisRateLimiter struct {
	client   *goredis.Client
	limits   map[string]domain.RateLimitConfig
	defaults domain.RateLimitConfig
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	script   *goredis.Script
}

func NewRedisRateLimiter(
	client *goredis.Client,
	defaults domain.RateLimitConfig,
	perKey map[string]domain.RateLimitConfig,
) (*RedisRateLimiter, error) {
	return newRedisRateLimiter(client, defaults, perKey, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	defaults domain.RateLimitConfig,
	perKey map[string]domain.RateLimitConfig,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	limits := make(map[string]domain.RateLimitConfig, len(perKey))
	for key, cfg := range perKey {
		limits[normalizeKey(key)] = cfg
	}

	return &RedisRateLimiter{
		client:   client,
		limits:   limits,
		defaults: defaults,
		now:      nowFn,
		sleep:    sleepFn,
		script:   acquireScript,
	}, nil
}

func (r *RedisRateLimiter) TryAcquire(ctx context.Context, key string, n int) (bool, error) {
	if r == nil || r.client == nil || r.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	normalized := normalizeKey(key)
	if normalized == "" {
		return false, fmt.Errorf("rate limit key is required")
	}
	if n < 1 {
		n = 1
	}
	if ctx == nil {
		ctx = context.Background()
	}

	windows := r.windowsFor(normalized)
	if len(windows) == 0 {
		return true, nil
	}

	nowMs := r.now().UnixMilli()
	keys := make([]string, 0, len(windows))
	args := make([]any, 0, 3+3*len(windows))
	args = append(args, n, strconv.FormatInt(nowMs, 10), uuid.NewString())
	for _, w := range windows {
		if n > w.limit {
			return false, fmt.Errorf("%w: %d tokens requested exceeds %s window limit %d",
				domain.ErrRateLimitExceeded, n, w.name, w.limit)
		}
		keys = append(keys, windowKey(normalized, w.name))
		windowMs := w.interval.Milliseconds()
		args = append(args, w.limit, strconv.FormatInt(nowMs-windowMs, 10), windowMs)
	}

	result, err := r.script.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

func (r *RedisRateLimiter) Acquire(ctx context.Context, key string, n int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := backoffStep
	for {
		allowed, err := r.TryAcquire(ctx, key, n)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (r *RedisRateLimiter) windowsFor(key string) []slidingWindow {
	cfg, ok := r.limits[key]
	if !ok {
		cfg = r.defaults
	}

	defs := ratelimit.WindowsFromConfig(cfg)
	windows := make([]slidingWindow, 0, len(defs))
	for _, w := range defs {
		windows = append(windows, slidingWindow{name: w.Name, limit: w.Capacity, interval: w.Interval})
	}
	return windows
}

func windowKey(key, window string) string {
	return "ratelimit:" + key + ":" + window
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

const defaultPollInterval = 100 * time.Millisecond

// Window admits at most Capacity tokens within any rolling Interval. Tokens debited at t
// become available again at t+Interval.
type Window struct {
	Name     string
	Capacity int
	Interval time.Duration
}

// WindowsFromConfig maps a provider rate limit onto second/minute/hour windows.
func WindowsFromConfig(cfg domain.RateLimitConfig) []Window {
	windows := make([]Window, 0, 3)
	if cfg.PerSecond > 0 {
		windows = append(windows, Window{Name: "second", Capacity: max(cfg.Burst, cfg.PerSecond), Interval: time.Second})
	}
	if cfg.PerMinute > 0 {
		windows = append(windows, Window{Name: "minute", Capacity: cfg.PerMinute, Interval: time.Minute})
	}
	if cfg.PerHour > 0 {
		windows = append(windows, Window{Name: "hour", Capacity: cfg.PerHour, Interval: time.Hour})
	}
	return windows
}

type debit struct {
	at time.Time
	n  int
}

// bucket keeps the debits of the last Interval, oldest first.
type bucket struct {
	window Window
	debits []debit
	used   int
}

// release lazily drops debits that are a full Interval old.
func (b *bucket) release(now time.Time) {
	if b.window.Interval <= 0 {
		b.debits = b.debits[:0]
		b.used = 0
		return
	}

	expired := 0
	for expired < len(b.debits) && now.Sub(b.debits[expired].at) >= b.window.Interval {
		b.used -= b.debits[expired].n
		expired++
	}
	if expired > 0 {
		b.debits = append(b.debits[:0], b.debits[expired:]...)
	}
}

func (b *bucket) tokens() int {
	return b.window.Capacity - b.used
}

func (b *bucket) take(now time.Time, n int) {
	b.used += n
	if last := len(b.debits) - 1; last >= 0 && b.debits[last].at.Equal(now) {
		b.debits[last].n += n
		return
	}
	b.debits = append(b.debits, debit{at: now, n: n})
}

var _ RateLimiter = (*MultiWindowLimiter)(nil)

// MultiWindowLimiter admits a request only when every window of the key has enough
// tokens, and debits all windows under one lock.
type MultiWindowLimiter struct {
	mu       sync.Mutex
	configs  map[string][]Window
	defaults []Window
	buckets  map[string][]*bucket

	pollInterval time.Duration
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewMultiWindowLimiter creates a limiter. Keys without explicit windows use defaults;
// with no defaults they are unlimited.
func NewMultiWindowLimiter(defaults []Window) *MultiWindowLimiter {
	return &MultiWindowLimiter{
		configs:      make(map[string][]Window),
		defaults:     defaults,
		buckets:      make(map[string][]*bucket),
		pollInterval: defaultPollInterval,
		now:          time.Now,
		sleep:        sleepWithContext,
	}
}

// Configure sets the windows of a key. Existing bucket state for the key is reset.
func (l *MultiWindowLimiter) Configure(key string, windows []Window) {
	normalized := normalizeKey(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.configs[normalized] = append([]Window(nil), windows...)
	delete(l.buckets, normalized)
}

// SetPollInterval changes how often Acquire re-checks an exhausted bucket.
func (l *MultiWindowLimiter) SetPollInterval(d time.Duration) {
	if d > 0 {
		l.pollInterval = d
	}
}

func (l *MultiWindowLimiter) TryAcquire(ctx context.Context, key string, n int) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}
	normalized := normalizeKey(key)
	if normalized == "" {
		return false, fmt.Errorf("rate limit key is required")
	}
	if n < 1 {
		n = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	buckets := l.bucketsFor(normalized)
	for _, b := range buckets {
		if n > b.window.Capacity {
			return false, fmt.Errorf("%w: %d tokens requested exceeds %s window capacity %d",
				domain.ErrRateLimitExceeded, n, b.window.Name, b.window.Capacity)
		}
	}

	now := l.now()
	for _, b := range buckets {
		b.release(now)
		if b.tokens() < n {
			return false, nil
		}
	}
	for _, b := range buckets {
		b.take(now, n)
	}

	return true, nil
}

func (l *MultiWindowLimiter) Acquire(ctx context.Context, key string, n int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		allowed, err := l.TryAcquire(ctx, key, n)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := l.sleep(ctx, l.pollInterval); err != nil {
			return err
		}
	}
}

// Available returns the smallest token count across the key's windows, or -1 when unlimited.
func (l *MultiWindowLimiter) Available(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	buckets := l.bucketsFor(normalizeKey(key))
	if len(buckets) == 0 {
		return -1
	}

	now := l.now()
	lowest := -1
	for _, b := range buckets {
		b.release(now)
		if lowest < 0 || b.tokens() < lowest {
			lowest = b.tokens()
		}
	}
	return lowest
}

// bucketsFor must be called with l.mu held.
func (l *MultiWindowLimiter) bucketsFor(key string) []*bucket {
	if existing, ok := l.buckets[key]; ok {
		return existing
	}

	windows, ok := l.configs[key]
	if !ok {
		windows = l.defaults
	}

	buckets := make([]*bucket, 0, len(windows))
	for _, w := range windows {
		if w.Capacity <= 0 {
			continue
		}
		buckets = append(buckets, &bucket{window: w})
	}
	l.buckets[key] = buckets
	return buckets
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

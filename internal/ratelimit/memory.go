package ratelimit

import (
	"context"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
	"math"
	"sync"
	"time"
)

const (
	memoryKeys   = 100000
	memoryKeyTTL = 10 * time.Minute
)

// MemoryLimiter keeps a token bucket per key. Buckets hold maxPerSecond tokens and
// refill at maxPerSecond per second.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	limit   int
	now     func() time.Time
}

func NewMemoryLimiter(maxPerSecond int) *MemoryLimiter {
	return &MemoryLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](memoryKeys, nil, memoryKeyTTL),
		limit:   maxPerSecond,
		now:     time.Now,
	}
}

func MemoryFactory(maxPerSecond int) Limiter {
	return NewMemoryLimiter(maxPerSecond)
}

func (m *MemoryLimiter) bucket(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(rate.Limit(m.limit), m.limit)
	m.buckets.Add(key, b)
	return b
}

func (m *MemoryLimiter) result(b *rate.Limiter, allowed bool, now time.Time) Result {
	tokens := b.TokensAt(now)
	remaining := int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}
	missing := float64(m.limit) - tokens
	var resetAfter time.Duration
	if missing > 0 && m.limit > 0 {
		resetAfter = time.Duration(missing / float64(m.limit) * float64(time.Second))
	}
	return Result{Allowed: allowed, Remaining: remaining, ResetAfter: resetAfter, Limit: m.limit}
}

func (m *MemoryLimiter) Check(_ context.Context, key string) (Result, error) {
	b := m.bucket(key)
	now := m.now()
	return m.result(b, b.TokensAt(now) >= 1, now), nil
}

func (m *MemoryLimiter) Increment(_ context.Context, key string) (Result, error) {
	b := m.bucket(key)
	now := m.now()
	allowed := b.AllowN(now, 1)
	return m.result(b, allowed, now), nil
}

func (m *MemoryLimiter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets.Remove(key)
	return nil
}

func (m *MemoryLimiter) GetRemaining(ctx context.Context, key string) (int, error) {
	r, err := m.Check(ctx, key)
	return r.Remaining, err
}

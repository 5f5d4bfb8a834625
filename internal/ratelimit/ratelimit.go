// Package ratelimit throttles client events per connection.
package ratelimit

import (
	"context"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/app"
	"sync"
	"time"
)

type Result struct {
	Allowed    bool
	Remaining  int
	ResetAfter time.Duration
	Limit      int
}

// Limiter is a keyed counter. Check does not consume, Increment does.
type Limiter interface {
	Check(ctx context.Context, key string) (Result, error)
	Increment(ctx context.Context, key string) (Result, error)
	Reset(ctx context.Context, key string) error
	GetRemaining(ctx context.Context, key string) (int, error)
}

// Factory builds a limiter allowing maxPerSecond events per key.
type Factory func(maxPerSecond int) Limiter

// Registry hands out one limiter per app, sized by the app's client event limit.
type Registry struct {
	mu       sync.Mutex
	factory  Factory
	limiters map[string]registered
}

type registered struct {
	limit   int
	limiter Limiter
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory, limiters: make(map[string]registered)}
}

// For returns nil when the app does not limit client events.
func (r *Registry) For(a *app.App) Limiter {
	if a == nil || a.MaxClientEventsPerSecond <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.limiters[a.ID]; ok && reg.limit == a.MaxClientEventsPerSecond {
		return reg.limiter
	}
	l := r.factory(a.MaxClientEventsPerSecond)
	r.limiters[a.ID] = registered{limit: a.MaxClientEventsPerSecond, limiter: l}
	return l
}

func SocketKey(appID, socketID string) string {
	return "client_events:" + appID + ":" + socketID
}

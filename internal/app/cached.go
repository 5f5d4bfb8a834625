package app

import (
	"context"
	"encoding/json"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/cache"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"time"
)

// CachedManager serves lookups from a cache before hitting the backing registry.
// Cache failures are logged and fall through to the backing manager.
type CachedManager struct {
	Manager
	cache cache.Manager
	ttl   time.Duration
}

func NewCachedManager(backing Manager, c cache.Manager, ttl time.Duration) *CachedManager {
	return &CachedManager{Manager: backing, cache: c, ttl: ttl}
}

func idCacheKey(id string) string   { return "app:id:" + id }
func keyCacheKey(key string) string { return "app:key:" + key }

func (m *CachedManager) lookup(ctx context.Context, cacheKey string, load func() (*App, error)) (*App, error) {
	if raw, ok, err := m.cache.Get(ctx, cacheKey); err != nil {
		logger.WarnF("App cache read %s failed, details: %v", cacheKey, err)
	} else if ok {
		var a App
		if err := json.Unmarshal([]byte(raw), &a); err == nil {
			return &a, nil
		}
		_ = m.cache.Remove(ctx, cacheKey)
	}

	a, err := load()
	if err != nil {
		return nil, err
	}
	m.store(ctx, a)
	return a, nil
}

func (m *CachedManager) store(ctx context.Context, a *App) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	for _, k := range []string{idCacheKey(a.ID), keyCacheKey(a.Key)} {
		if err := m.cache.Set(ctx, k, string(data), m.ttl); err != nil {
			logger.WarnF("App cache write %s failed, details: %v", k, err)
		}
	}
}

func (m *CachedManager) forget(ctx context.Context, id string) {
	if a, err := m.Manager.FindByID(ctx, id); err == nil {
		_ = m.cache.Remove(ctx, keyCacheKey(a.Key))
	}
	_ = m.cache.Remove(ctx, idCacheKey(id))
}

func (m *CachedManager) FindByID(ctx context.Context, id string) (*App, error) {
	return m.lookup(ctx, idCacheKey(id), func() (*App, error) { return m.Manager.FindByID(ctx, id) })
}

func (m *CachedManager) FindByKey(ctx context.Context, key string) (*App, error) {
	return m.lookup(ctx, keyCacheKey(key), func() (*App, error) { return m.Manager.FindByKey(ctx, key) })
}

func (m *CachedManager) Update(ctx context.Context, a App) error {
	m.forget(ctx, a.ID)
	return m.Manager.Update(ctx, a)
}

func (m *CachedManager) Delete(ctx context.Context, id string) error {
	m.forget(ctx, id)
	return m.Manager.Delete(ctx, id)
}

func (m *CachedManager) Close(ctx context.Context) error {
	return m.Manager.Close(ctx)
}

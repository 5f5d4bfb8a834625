// Package cache provides the ancillary key/value cache used outside the hot path
// (app lookups during handshake).
package cache

import (
	"context"
	"time"
)

// Manager stores opaque string values. A zero ttl means no expiry.
type Manager interface {
	Has(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	// TTL reports the remaining lifetime. ok is false when the key is absent;
	// a zero duration with ok means the key never expires.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Disconnect(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
}

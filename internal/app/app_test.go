package app

import (
	"context"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-realtime/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoApp() App {
	return App{ID: "demo", Key: "demo-key", Secret: "demo-secret", Enabled: true}
}

func TestMemoryManager(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	require.NoError(t, m.Create(ctx, demoApp()))
	assert.ErrorIs(t, m.Create(ctx, demoApp()), ErrAppExists)
	assert.ErrorIs(t, m.Create(ctx, App{ID: "x"}), ErrAppInvalid)

	a, err := m.FindByKey(ctx, "demo-key")
	require.NoError(t, err)
	assert.Equal(t, "demo", a.ID)

	updated := demoApp()
	updated.Key = "rotated"
	require.NoError(t, m.Update(ctx, updated))
	_, err = m.FindByKey(ctx, "demo-key")
	assert.ErrorIs(t, err, ErrAppNotFound)
	a, err = m.FindByKey(ctx, "rotated")
	require.NoError(t, err)
	assert.Equal(t, "demo", a.ID)

	apps, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, apps, 1)

	require.NoError(t, m.Delete(ctx, "demo"))
	assert.ErrorIs(t, m.Delete(ctx, "demo"), ErrAppNotFound)
}

func TestRegisterCreatesOrUpdates(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()
	require.NoError(t, m.Create(ctx, demoApp()))

	changed := demoApp()
	changed.MaxConnections = 10
	require.NoError(t, Register(ctx, m, []App{changed, {ID: "other", Key: "other-key", Secret: "s"}}))

	a, err := m.FindByID(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 10, a.MaxConnections)
	_, err = m.FindByID(ctx, "other")
	assert.NoError(t, err)
}

func TestCachedManager(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryManager()
	require.NoError(t, backing.Create(ctx, demoApp()))
	c := cache.NewMemoryCache(16, time.Hour)
	m := NewCachedManager(backing, c, time.Minute)

	a, err := m.FindByKey(ctx, "demo-key")
	require.NoError(t, err)
	assert.Equal(t, "demo", a.ID)

	has, _ := c.Has(ctx, "app:id:demo")
	assert.True(t, has, "lookup by key caches under both id and key")

	changed := demoApp()
	changed.EnableClientMessages = true
	require.NoError(t, m.Update(ctx, changed))
	a, err = m.FindByID(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, a.EnableClientMessages, "update invalidates cached copy")

	_, err = m.FindByKey(ctx, "nope")
	assert.ErrorIs(t, err, ErrAppNotFound)
}

func TestWithDefaults(t *testing.T) {
	a := App{MaxChannelNameLength: 50}.WithDefaults()
	assert.Equal(t, 50, a.MaxChannelNameLength)
	assert.Equal(t, DefaultMaxEventNameLength, a.MaxEventNameLength)
	assert.Equal(t, DefaultMaxPresenceMembers, a.MaxPresenceMembersPerChannel)
}

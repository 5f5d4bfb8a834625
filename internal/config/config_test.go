package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	config, err := ReadConfig(path)
	require.ErrorIs(t, err, ErrConfigCreated)
	assert.FileExists(t, path)
	assert.Equal(t, AdapterLocal, config.Adapter.Driver)
	assert.Equal(t, 200*time.Millisecond, config.Timeouts.RequestTimeout)
	assert.Equal(t, 3*time.Second, config.Timeouts.ShutdownGracePeriod)

	again, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.Port, again.Port)
}

func TestReadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
port: 7001
adapter:
  driver: nats
  request_timeout: 500ms
  nats:
    servers: ["nats://a:4222", "nats://b:4222"]
app_manager:
  apps:
    - id: demo
      key: demo-key
      secret: demo-secret
      enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, config.Port)
	assert.Equal(t, AdapterNats, config.Adapter.Driver)
	assert.Equal(t, 500*time.Millisecond, config.Timeouts.RequestTimeout)
	assert.Len(t, config.Adapter.Nats.Servers, 2)
	require.Len(t, config.AppManager.Apps, 1)
	assert.Equal(t, "demo-key", config.AppManager.Apps[0].Key)
	// untouched sections keep defaults
	assert.Equal(t, DriverMemory, config.Cache.Driver)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown adapter", func(c *Config) { c.Adapter.Driver = "kafka" }},
		{"unknown cache", func(c *Config) { c.Cache.Driver = "memcached" }},
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"bad duration", func(c *Config) { c.Adapter.RequestTimeout = "soon" }},
		{"zero pong timeout", func(c *Config) { c.PongTimeout = "0s" }},
		{"cluster without nodes", func(c *Config) { c.Adapter.Driver = AdapterRedisCluster }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":                             "6002",
		"DEBUG":                            "true",
		"ADAPTER_DRIVER":                   "redis-cluster",
		"REDIS_CLUSTER_NODES":              "n1:7000, n2:7001,",
		"METRICS_PORT":                     "9700",
		"SOCKUDO_DEFAULT_APP_ID":           "demo",
		"SOCKUDO_DEFAULT_APP_SECRET":       "s3cret",
		"SOCKUDO_DEFAULT_APP_MAX_PRESENCE_MEMBERS_PER_CHANNEL": "2",
		"SOCKUDO_DEFAULT_APP_ENABLE_CLIENT_MESSAGES":           "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c := Default()
	require.NoError(t, applyEnv(&c, lookup))
	assert.Equal(t, 6002, c.Port)
	assert.True(t, c.Debug)
	assert.Equal(t, []string{"n1:7000", "n2:7001"}, c.Adapter.ClusterNodes)
	assert.Equal(t, 9700, c.Metrics.Port)
	require.Len(t, c.AppManager.Apps, 1)
	demo := c.AppManager.Apps[0]
	assert.Equal(t, "demo", demo.ID)
	assert.Equal(t, "app-key", demo.Key)
	assert.Equal(t, "s3cret", demo.Secret)
	assert.Equal(t, 2, demo.MaxPresenceMembersPerChannel)
	assert.True(t, demo.EnableClientMessages)
	require.NoError(t, c.Validate())
}

func TestApplyEnvRejectsBadInteger(t *testing.T) {
	c := Default()
	err := applyEnv(&c, func(k string) (string, bool) {
		if k == "PORT" {
			return "six", true
		}
		return "", false
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

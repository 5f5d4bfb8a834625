package config

import (
	"fmt"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/app"
	"os"
	"strconv"
	"strings"
)

const defaultAppEnvPrefix = "SOCKUDO_DEFAULT_APP_"

type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.lookup(name); ok && v != "" {
		*dst = v
	}
}

func (r *envReader) integer(name string, dst *int) {
	v, ok := r.lookup(name)
	if !ok || v == "" || r.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.err = fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, name, v)
		return
	}
	*dst = n
}

func (r *envReader) boolean(name string, dst *bool) {
	v, ok := r.lookup(name)
	if !ok || v == "" || r.err != nil {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.err = fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, name, v)
		return
	}
	*dst = b
}

func (r *envReader) list(name string, dst *[]string) {
	v, ok := r.lookup(name)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

// ApplyEnv overrides file values with the process environment.
func ApplyEnv(c *Config) error {
	return applyEnv(c, os.LookupEnv)
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	r := &envReader{lookup: lookup}
	r.boolean("DEBUG", &c.Debug)
	r.str("HOST", &c.Host)
	r.integer("PORT", &c.Port)
	r.str("INSTANCE_PROCESS_ID", &c.Instance.ProcessID)
	r.str("SHUTDOWN_GRACE_PERIOD", &c.ShutdownGracePeriod)
	r.str("LOG_DIR", &c.Log.Dir)

	r.str("ADAPTER_DRIVER", &c.Adapter.Driver)
	r.str("ADAPTER_REQUEST_TIMEOUT", &c.Adapter.RequestTimeout)
	r.str("ADAPTER_PREFIX", &c.Adapter.Prefix)
	r.list("REDIS_CLUSTER_NODES", &c.Adapter.ClusterNodes)
	r.list("NATS_SERVERS", &c.Adapter.Nats.Servers)
	r.str("CACHE_DRIVER", &c.Cache.Driver)
	r.str("APP_MANAGER_DRIVER", &c.AppManager.Driver)
	r.str("RATE_LIMITER_DRIVER", &c.RateLimiter.Driver)

	r.str("DATABASE_REDIS_HOST", &c.Database.Redis.Host)
	r.integer("DATABASE_REDIS_PORT", &c.Database.Redis.Port)
	r.str("DATABASE_REDIS_PASSWORD", &c.Database.Redis.Password)
	r.integer("DATABASE_REDIS_DB", &c.Database.Redis.DB)
	r.str("DATABASE_REDIS_KEY_PREFIX", &c.Database.Redis.KeyPrefix)
	r.str("REDIS_URL", &c.Database.Redis.URL)

	r.boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	r.str("METRICS_HOST", &c.Metrics.Host)
	r.integer("METRICS_PORT", &c.Metrics.Port)
	r.str("METRICS_PROMETHEUS_PREFIX", &c.Metrics.Prefix)

	if r.err != nil {
		return r.err
	}

	if a, ok, err := defaultAppFromEnv(lookup); err != nil {
		return err
	} else if ok {
		c.AppManager.Apps = upsertApp(c.AppManager.Apps, a)
	}
	return nil
}

func upsertApp(apps []app.App, a app.App) []app.App {
	for i := range apps {
		if apps[i].ID == a.ID {
			apps[i] = a
			return apps
		}
	}
	return append(apps, a)
}

// DefaultApp is the demo tenant registered when no app is configured.
func DefaultApp() app.App {
	return app.App{
		ID:                           "app-id",
		Key:                          "app-key",
		Secret:                       "app-secret",
		Enabled:                      true,
		EnableClientMessages:         false,
		MaxConnections:               100,
		MaxClientEventsPerSecond:     100,
		MaxPresenceMembersPerChannel: app.DefaultMaxPresenceMembers,
		MaxPresenceMemberSizeInKB:    app.DefaultMaxPresenceMemberKB,
		MaxChannelNameLength:         app.DefaultMaxChannelNameLength,
		MaxEventNameLength:           app.DefaultMaxEventNameLength,
		MaxEventPayloadInKB:          app.DefaultMaxEventPayloadInKB,
		MaxEventChannelsAtOnce:       app.DefaultMaxChannelsAtOnce,
		MaxEventBatchSize:            10,
	}
}

// defaultAppFromEnv builds the demo app when SOCKUDO_DEFAULT_APP_ID is set.
func defaultAppFromEnv(lookup func(string) (string, bool)) (app.App, bool, error) {
	if v, ok := lookup(defaultAppEnvPrefix + "ID"); !ok || v == "" {
		return app.App{}, false, nil
	}
	a := DefaultApp()
	r := &envReader{lookup: lookup}
	p := defaultAppEnvPrefix
	r.str(p+"ID", &a.ID)
	r.str(p+"KEY", &a.Key)
	r.str(p+"SECRET", &a.Secret)
	r.boolean(p+"ENABLED", &a.Enabled)
	r.boolean(p+"ENABLE_CLIENT_MESSAGES", &a.EnableClientMessages)
	r.boolean(p+"ENABLE_USER_AUTHENTICATION", &a.EnableUserAuthentication)
	r.integer(p+"MAX_CONNECTIONS", &a.MaxConnections)
	r.integer(p+"MAX_CLIENT_EVENTS_PER_SECOND", &a.MaxClientEventsPerSecond)
	r.integer(p+"MAX_PRESENCE_MEMBERS_PER_CHANNEL", &a.MaxPresenceMembersPerChannel)
	r.integer(p+"MAX_PRESENCE_MEMBER_SIZE_IN_KB", &a.MaxPresenceMemberSizeInKB)
	r.integer(p+"MAX_CHANNEL_NAME_LENGTH", &a.MaxChannelNameLength)
	r.integer(p+"MAX_EVENT_NAME_LENGTH", &a.MaxEventNameLength)
	r.integer(p+"MAX_EVENT_PAYLOAD_IN_KB", &a.MaxEventPayloadInKB)
	r.integer(p+"MAX_EVENT_CHANNELS_AT_ONCE", &a.MaxEventChannelsAtOnce)
	r.integer(p+"MAX_EVENT_BATCH_SIZE", &a.MaxEventBatchSize)
	if r.err != nil {
		return app.App{}, false, r.err
	}
	return a, true, nil
}

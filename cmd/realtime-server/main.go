package main

import (
	"context"
	"errors"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/adapter"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/app"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/cache"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/config"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/event"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/ratelimit"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/server"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/webhook"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath, "path to the configuration file (.json, .yaml or .yml)")
	pflag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil && !errors.Is(err, config.ErrConfigCreated) {
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}
	loggerCallback := logger.Init(logger.Options{Debug: cfg.Debug, Dir: cfg.Log.Dir})
	if err != nil {
		logger.Warn(err.Error())
	}
	logger.Debug("Application initializing...")

	cleaner := event.NewCleaner(loggerCallback)
	defer func() { _ = cleaner.Clean(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, cleaner); err != nil {
		logger.ErrorF("Server exited with error, details: %v", err)
		_ = cleaner.Clean(context.Background())
		os.Exit(1)
	}
}

func redisOptions(cfg config.Config) adapter.RedisOptions {
	return adapter.RedisOptions{
		Addr:         cfg.Database.Redis.Addr(),
		Password:     cfg.Database.Redis.Password,
		DB:           cfg.Database.Redis.DB,
		URL:          cfg.Database.Redis.URL,
		ClusterNodes: cfg.Adapter.ClusterNodes,
	}
}

func run(ctx context.Context, cfg config.Config, cleaner *event.Cleaner) error {
	var redisClient redis.UniversalClient
	if cfg.Cache.Driver == config.DriverRedis || cfg.RateLimiter.Driver == config.DriverRedis {
		client, err := adapter.NewRedisClient(ctx, redisOptions(cfg), cfg.Adapter.Driver == config.AdapterRedisCluster)
		if err != nil {
			return err
		}
		redisClient = client
	}

	var store cache.Manager
	switch cfg.Cache.Driver {
	case config.DriverRedis:
		store = cache.NewRedisCache(redisClient, cfg.Database.Redis.KeyPrefix+"cache:")
	default:
		store = cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Timeouts.CacheMaxTTL)
	}

	var backing app.Manager
	switch cfg.AppManager.Driver {
	case config.DriverMongo:
		mongoManager, err := app.NewMongoManager(ctx, cfg.MongoOptions())
		if err != nil {
			return err
		}
		backing = mongoManager
	default:
		backing = app.NewMemoryManager()
	}
	apps := app.NewCachedManager(backing, store, cfg.Timeouts.AppCacheTTL)

	configured := cfg.AppManager.Apps
	if len(configured) == 0 && cfg.AppManager.Driver == config.DriverMemory {
		logger.Warn("No app configured, registering the demo app")
		configured = []app.App{config.DefaultApp()}
	}
	if err := app.Register(ctx, apps, configured); err != nil {
		return err
	}

	var sink metrics.Sink = metrics.Nop{}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus(cfg.Metrics.Prefix, cfg.Port)
		sink = prom
		metricsHandler = prom.Handler()
	}

	var limits *ratelimit.Registry
	switch cfg.RateLimiter.Driver {
	case config.DriverRedis:
		limits = ratelimit.NewRegistry(ratelimit.RedisFactory(redisClient, cfg.Database.Redis.KeyPrefix+"ratelimit:"))
	default:
		limits = ratelimit.NewRegistry(ratelimit.MemoryFactory)
	}

	var hooks webhook.Sink = webhook.NopSink{}
	if cfg.Webhooks.Enabled {
		hooks = webhook.LogSink{}
	}

	state := &server.RunState{}
	fabric, err := adapter.New(ctx, adapter.Options{
		Driver:            adapter.Driver(cfg.Adapter.Driver),
		NodeID:            cfg.Instance.ProcessID,
		Prefix:            cfg.Adapter.Prefix,
		RequestTimeout:    cfg.Timeouts.RequestTimeout,
		HeartbeatInterval: cfg.Timeouts.HeartbeatInterval,
		Redis:             redisOptions(cfg),
		Nats: adapter.NatsOptions{
			Servers:        cfg.Adapter.Nats.Servers,
			Username:       cfg.Adapter.Nats.Username,
			Password:       cfg.Adapter.Nats.Password,
			Token:          cfg.Adapter.Nats.Token,
			ConnectTimeout: cfg.Timeouts.NatsConnectTimeout,
		},
		Metrics:   sink,
		Admission: state,
	})
	if err != nil {
		return err
	}
	if err := fabric.Init(ctx); err != nil {
		return err
	}

	srv := server.New(server.Options{
		Addr:            cfg.HTTPAddr(),
		MetricsAddr:     cfg.MetricsAddr(),
		ActivityTimeout: cfg.Timeouts.ActivityTimeout,
		PongTimeout:     cfg.Timeouts.PongTimeout,
		GracePeriod:     cfg.Timeouts.ShutdownGracePeriod,
	}, server.Deps{
		Apps:     apps,
		Adapter:  fabric,
		Cache:    store,
		Limits:   limits,
		Webhooks: hooks,
		Metrics:  sink,
		State:    state,
	})
	cleaner.Add("realtime server", event.CallableFunc(srv.Stop))
	// the redis cache closes the shared client on Stop
	if redisClient != nil && cfg.Cache.Driver != config.DriverRedis {
		cleaner.Add("redis client", event.CallableFunc(func(context.Context) error { return redisClient.Close() }))
	}

	if err := srv.Start(metricsHandler); err != nil {
		return err
	}
	logger.InfoF("Application started with %s adapter", cfg.Adapter.Driver)

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	return nil
}

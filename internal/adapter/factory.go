package adapter

import (
	"context"
	"fmt"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/metrics"
	"time"
)

type Driver string

const (
	DriverLocal        Driver = "local"
	DriverRedis        Driver = "redis"
	DriverRedisCluster Driver = "redis-cluster"
	DriverNats         Driver = "nats"
)

type Options struct {
	Driver            Driver
	NodeID            string
	Prefix            string
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	Redis             RedisOptions
	Nats              NatsOptions
	Metrics           metrics.Sink
	Admission         Admission
}

func (o Options) horizontal() HorizontalOptions {
	return HorizontalOptions{
		NodeID:            o.NodeID,
		Prefix:            o.Prefix,
		RequestTimeout:    o.RequestTimeout,
		HeartbeatInterval: o.HeartbeatInterval,
		Metrics:           o.Metrics,
		Admission:         o.Admission,
	}
}

// New builds the adapter for the configured driver. The adapter is not yet
// initialized.
func New(ctx context.Context, opts Options) (Adapter, error) {
	switch opts.Driver {
	case DriverLocal, "":
		return NewLocalAdapter(), nil
	case DriverRedis, DriverRedisCluster:
		client, err := NewRedisClient(ctx, opts.Redis, opts.Driver == DriverRedisCluster)
		if err != nil {
			return nil, err
		}
		return NewHorizontalAdapter(NewRedisTransport(client, true), opts.horizontal()), nil
	case DriverNats:
		if opts.Nats.Name == "" {
			opts.Nats.Name = opts.NodeID
		}
		transport, err := NewNatsTransport(opts.Nats)
		if err != nil {
			return nil, err
		}
		return NewHorizontalAdapter(transport, opts.horizontal()), nil
	default:
		return nil, fmt.Errorf("unknown adapter driver %q", opts.Driver)
	}
}

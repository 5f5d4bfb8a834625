package adapter

import (
	"context"
	"fmt"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"github.com/redis/go-redis/v9"
	"sync"
)

// RedisTransport uses Redis pub/sub. The client may be a single node or a cluster
// client; cluster PUBLISH is propagated to every shard by Redis itself.
type RedisTransport struct {
	client redis.UniversalClient
	owned  bool

	mu     sync.Mutex
	pubsub *redis.PubSub
	out    chan Delivery
	done   chan struct{}
	closed bool
}

// NewRedisTransport wraps client. When owned is set Close also closes the client.
func NewRedisTransport(client redis.UniversalClient, owned bool) *RedisTransport {
	return &RedisTransport{client: client, owned: owned, done: make(chan struct{})}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := t.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, topics ...string) (<-chan Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub != nil {
		return nil, fmt.Errorf("redis transport already subscribed")
	}

	pubsub := t.client.Subscribe(ctx, topics...)
	// wait for the subscription confirmation so no early message is lost
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %v: %w", topics, err)
	}
	t.pubsub = pubsub
	t.out = make(chan Delivery, 1024)

	in := pubsub.Channel()
	go func() {
		defer close(t.out)
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case t.out <- Delivery{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-t.done:
					return
				}
			case <-t.done:
				return
			}
		}
	}()
	logger.InfoF("Subscribed to redis channels %v", topics)
	return t.out, nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)

	var err error
	if t.pubsub != nil {
		err = t.pubsub.Close()
	}
	if t.owned {
		if cerr := t.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// RedisOptions selects a single node (Addr or URL) or a cluster (ClusterNodes).
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	URL          string
	ClusterNodes []string
}

// NewRedisClient builds a single node or cluster client and pings it.
func NewRedisClient(ctx context.Context, opts RedisOptions, cluster bool) (redis.UniversalClient, error) {
	var client redis.UniversalClient
	switch {
	case cluster:
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    opts.ClusterNodes,
			Password: opts.Password,
		})
	case opts.URL != "":
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client = redis.NewClient(parsed)
	default:
		client = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

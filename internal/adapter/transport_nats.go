package adapter

import (
	"context"
	"fmt"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"github.com/nats-io/nats.go"
	"strings"
	"sync"
	"time"
)

type NatsOptions struct {
	Servers        []string
	Username       string
	Password       string
	Token          string
	ConnectTimeout time.Duration
	Name           string
}

// NatsTransport publishes logical topics as NATS subjects ("#" becomes ".").
type NatsTransport struct {
	conn *nats.Conn

	mu       sync.Mutex
	subs     []*nats.Subscription
	subjects map[string]string
	in       chan *nats.Msg
	out      chan Delivery
	done     chan struct{}
	closed   bool
}

func NewNatsTransport(opts NatsOptions) (*NatsTransport, error) {
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WarnF("NATS disconnected, details: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.InfoF("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}
	if opts.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(opts.ConnectTimeout))
	}
	if opts.Username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.Username, opts.Password))
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}

	conn, err := nats.Connect(strings.Join(opts.Servers, ","), natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %v: %w", opts.Servers, err)
	}
	logger.InfoF("Connected to NATS %s", conn.ConnectedUrl())
	return &NatsTransport{conn: conn, subjects: make(map[string]string), done: make(chan struct{})}, nil
}

func natsSubject(topic string) string {
	return strings.ReplaceAll(topic, "#", ".")
}

func (t *NatsTransport) Publish(_ context.Context, topic string, payload []byte) error {
	if err := t.conn.Publish(natsSubject(topic), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (t *NatsTransport) Subscribe(_ context.Context, topics ...string) (<-chan Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.in != nil {
		return nil, fmt.Errorf("nats transport already subscribed")
	}
	t.in = make(chan *nats.Msg, 1024)
	t.out = make(chan Delivery, 1024)

	for _, topic := range topics {
		subject := natsSubject(topic)
		t.subjects[subject] = topic
		sub, err := t.conn.ChanSubscribe(subject, t.in)
		if err != nil {
			for _, s := range t.subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
		t.subs = append(t.subs, sub)
	}
	if err := t.conn.Flush(); err != nil {
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	subjects := make(map[string]string, len(t.subjects))
	for k, v := range t.subjects {
		subjects[k] = v
	}
	go func() {
		defer close(t.out)
		for {
			select {
			case msg := <-t.in:
				topic, ok := subjects[msg.Subject]
				if !ok {
					topic = msg.Subject
				}
				select {
				case t.out <- Delivery{Topic: topic, Payload: msg.Data}:
				case <-t.done:
					return
				}
			case <-t.done:
				return
			}
		}
	}()
	logger.InfoF("Subscribed to NATS subjects %v", topics)
	return t.out, nil
}

func (t *NatsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	for _, s := range t.subs {
		_ = s.Unsubscribe()
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

package adapter

import (
	"context"
)

// Delivery is one message received from the broker.
type Delivery struct {
	Topic   string
	Payload []byte
}

// Transport is the broker connection of a horizontal adapter. Topics are logical
// names such as "realtime#broadcast"; each transport maps them to its own channel
// or subject naming. The channel returned by Subscribe is closed by Close.
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (<-chan Delivery, error)
	Close() error
}

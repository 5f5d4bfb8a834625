package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-realtime/internal/metrics"
	"github.com/stretchr/testify/require"
)

// memoryBus is a broker shared by in-process transports. Every subscriber of a
// topic receives each publish, the publisher included.
type memoryBus struct {
	mu   sync.Mutex
	subs map[string][]*busTransport
	down bool
}

func newMemoryBus() *memoryBus {
	return &memoryBus{subs: make(map[string][]*busTransport)}
}

func (b *memoryBus) setDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *memoryBus) publish(topic string, payload []byte) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return errors.New("bus unavailable")
	}
	targets := append([]*busTransport(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, t := range targets {
		t.deliver(Delivery{Topic: topic, Payload: payload})
	}
	return nil
}

func (b *memoryBus) transport() *busTransport {
	return &busTransport{bus: b, out: make(chan Delivery, 4096), done: make(chan struct{})}
}

// inject publishes a raw propagation frame as if another node had sent it.
func (b *memoryBus) inject(t *testing.T, prefix string, f propagationFrame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, b.publish(prefix+topicBroadcast, data))
}

type busTransport struct {
	bus  *memoryBus
	out  chan Delivery
	once sync.Once
	done chan struct{}
}

func (t *busTransport) deliver(d Delivery) {
	select {
	case t.out <- d:
	case <-t.done:
	}
}

func (t *busTransport) Publish(_ context.Context, topic string, payload []byte) error {
	return t.bus.publish(topic, payload)
}

func (t *busTransport) Subscribe(_ context.Context, topics ...string) (<-chan Delivery, error) {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	for _, topic := range topics {
		t.bus.subs[topic] = append(t.bus.subs[topic], t)
	}
	return t.out, nil
}

func (t *busTransport) Close() error {
	t.once.Do(func() {
		t.bus.mu.Lock()
		for topic, subs := range t.bus.subs {
			kept := subs[:0]
			for _, s := range subs {
				if s != t {
					kept = append(kept, s)
				}
			}
			t.bus.subs[topic] = kept
		}
		t.bus.mu.Unlock()
		close(t.done)
	})
	return nil
}

// metricCounts is what countingMetrics recorded so far.
type metricCounts struct {
	requestsSent      int
	requestsReceived  int
	responsesReceived int
	resolved          int
	timedOut          int
	resolveTimes      []time.Duration
}

type countingMetrics struct {
	metrics.Nop

	mu     sync.Mutex
	counts metricCounts
}

func (m *countingMetrics) MarkHorizontalAdapterRequestSent(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.requestsSent++
}

func (m *countingMetrics) MarkHorizontalAdapterRequestReceived(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.requestsReceived++
}

func (m *countingMetrics) MarkHorizontalAdapterResponseReceived(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.responsesReceived++
}

func (m *countingMetrics) TrackHorizontalAdapterResolveTime(_ string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.resolveTimes = append(m.counts.resolveTimes, elapsed)
}

func (m *countingMetrics) TrackHorizontalAdapterResolvedPromises(_ string, resolved bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resolved {
		m.counts.resolved++
	} else {
		m.counts.timedOut++
	}
}

func (m *countingMetrics) snapshot() metricCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.counts
	out.resolveTimes = append([]time.Duration(nil), m.counts.resolveTimes...)
	return out
}

func (m *countingMetrics) outcomes() (resolved, timedOut int) {
	c := m.snapshot()
	return c.resolved, c.timedOut
}

const testPrefix = "test"

func startNode(t *testing.T, bus *memoryBus, id string, sink metrics.Sink) *HorizontalAdapter {
	t.Helper()
	h := NewHorizontalAdapter(bus.transport(), HorizontalOptions{
		NodeID:            id,
		Prefix:            testPrefix,
		RequestTimeout:    200 * time.Millisecond,
		HeartbeatInterval: time.Second,
		Metrics:           sink,
	})
	require.NoError(t, h.Init(context.Background()))
	t.Cleanup(func() { _ = h.Disconnect(context.Background()) })
	return h
}

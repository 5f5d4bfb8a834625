package adapter

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// pendingRequest collects the partial results of one aggregate request. It is
// resolved exactly once, by whichever comes first of the last expected response,
// the requester's deadline timer, the reaper or the caller's context.
type pendingRequest struct {
	id       string
	op       string
	appID    string
	created  time.Time
	deadline time.Time
	expected map[string]struct{}

	mu       sync.Mutex
	partials map[string]json.RawMessage

	once     sync.Once
	done     chan struct{}
	timedOut bool
}

func newPendingRequest(id, op, appID string, expected []string, now time.Time, timeout time.Duration) *pendingRequest {
	p := &pendingRequest{
		id:       id,
		op:       op,
		appID:    appID,
		created:  now,
		deadline: now.Add(timeout),
		expected: make(map[string]struct{}, len(expected)),
		partials: make(map[string]json.RawMessage),
		done:     make(chan struct{}),
	}
	for _, node := range expected {
		p.expected[node] = struct{}{}
	}
	return p
}

// add stores a node's partial and reports whether every expected node answered.
// A second answer from the same node is ignored.
func (p *pendingRequest) add(node string, partial json.RawMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.partials[node]; !ok {
		p.partials[node] = partial
	}
	for n := range p.expected {
		if _, ok := p.partials[n]; !ok {
			return false
		}
	}
	return true
}

func (p *pendingRequest) results() map[string]json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]json.RawMessage, len(p.partials))
	for k, v := range p.partials {
		out[k] = v
	}
	return out
}

type pendingTable struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{requests: make(map[string]*pendingRequest)}
}

func (t *pendingTable) put(p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests[p.id] = p
}

func (t *pendingTable) get(id string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.requests[id]
	return p, ok
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.requests, id)
}

func (t *pendingTable) expired(now time.Time) []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*pendingRequest
	for _, p := range t.requests {
		if !now.Before(p.deadline) {
			out = append(out, p)
		}
	}
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func decodePartials[T any](partials map[string]json.RawMessage, merge func(T)) error {
	for node, raw := range partials {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("partial result from %s: %w", node, err)
		}
		merge(v)
	}
	return nil
}

func mergeChannelCounts(partials map[string]json.RawMessage) (map[string]int, error) {
	total := make(map[string]int)
	err := decodePartials(partials, func(counts map[string]int) {
		for channel, n := range counts {
			total[channel] += n
		}
	})
	return total, err
}

func mergeSocketCounts(partials map[string]json.RawMessage) (int, error) {
	total := 0
	err := decodePartials(partials, func(n int) { total += n })
	return total, err
}

func mergeNamespaces(partials map[string]json.RawMessage) ([]string, error) {
	set := make(map[string]struct{})
	err := decodePartials(partials, func(ids []string) {
		for _, id := range ids {
			set[id] = struct{}{}
		}
	})
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, err
}

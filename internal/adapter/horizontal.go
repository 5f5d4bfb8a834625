package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/errs"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/namespace"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultRequestTimeout    = 200 * time.Millisecond
	DefaultHeartbeatInterval = 5 * time.Second

	// a peer is known while it was heard from within this many heartbeats
	peerExpiryHeartbeats = 3

	sequenceWindowSize = 100_000
	sequenceWindowTTL  = 5 * time.Minute
)

type peerState struct {
	lastSeen time.Time
	epoch    string
}

type HorizontalOptions struct {
	NodeID            string
	Prefix            string
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	Metrics           metrics.Sink
	Admission         Admission
}

// HorizontalAdapter applies every operation to its local adapter, then publishes
// mutations so peers update their mirrors, and answers cluster-wide reads by
// scatter-gather over the broker.
type HorizontalAdapter struct {
	*LocalAdapter

	nodeID            string
	epoch             string
	prefix            string
	transport         Transport
	metrics           metrics.Sink
	admission         Admission
	requestTimeout    time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time

	sequence atomic.Uint64
	seen     *expirable.LRU[string, struct{}]
	applied  *expirable.LRU[string, uint64]

	peersMu sync.Mutex
	peers   map[string]peerState

	pending *pendingTable

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHorizontalAdapter(transport Transport, opts HorizontalOptions) *HorizontalAdapter {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Prefix == "" {
		opts.Prefix = "realtime"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Admission == nil {
		opts.Admission = alwaysRunning{}
	}
	return &HorizontalAdapter{
		LocalAdapter:      NewLocalAdapter(),
		nodeID:            opts.NodeID,
		epoch:             uuid.NewString(),
		prefix:            opts.Prefix,
		transport:         transport,
		metrics:           opts.Metrics,
		admission:         opts.Admission,
		requestTimeout:    opts.RequestTimeout,
		heartbeatInterval: opts.HeartbeatInterval,
		now:               time.Now,
		seen:              expirable.NewLRU[string, struct{}](sequenceWindowSize, nil, sequenceWindowTTL),
		applied:           expirable.NewLRU[string, uint64](sequenceWindowSize, nil, sequenceWindowTTL),
		peers:             make(map[string]peerState),
		pending:           newPendingTable(),
	}
}

func (h *HorizontalAdapter) NodeID() string {
	return h.nodeID
}

func (h *HorizontalAdapter) topic(suffix string) string {
	return h.prefix + suffix
}

func (h *HorizontalAdapter) Init(ctx context.Context) error {
	deliveries, err := h.transport.Subscribe(ctx, h.topic(topicBroadcast), h.topic(topicRequests), h.topic(topicResponses))
	if err != nil {
		return errs.Wrap(errs.KindBrokerUnavailable, "adapter.Init", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.wg.Add(3)
	go h.listen(runCtx, deliveries)
	go h.heartbeat(runCtx)
	go h.reap(runCtx)

	if err := h.propagate(ctx, opHeartbeat, "", "", "", nil); err != nil {
		logger.WarnF("Initial heartbeat failed, details: %v", err)
	}
	logger.InfoF("Horizontal adapter initialized, node %s, prefix %s", h.NodeID(), h.prefix)
	return nil
}

// Disconnect announces the stop to peers, stops the background goroutines and
// releases the broker connection.
func (h *HorizontalAdapter) Disconnect(ctx context.Context) error {
	if err := h.propagate(ctx, opNodeStop, "", "", "", nil); err != nil {
		logger.WarnF("Fail to announce node stop, details: %v", err)
	}
	if h.cancel != nil {
		h.cancel()
	}
	err := h.transport.Close()
	h.wg.Wait()
	return err
}

func (h *HorizontalAdapter) propagate(ctx context.Context, op, appID, channel, socketID string, payload any) error {
	frame := propagationFrame{
		Op:           op,
		AppID:        appID,
		Channel:      channel,
		SocketID:     socketID,
		OriginNodeID: h.nodeID,
		Epoch:        h.epoch,
		Sequence:     h.sequence.Add(1),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "adapter.propagate", err)
		}
		frame.Payload = raw
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "adapter.propagate", err)
	}
	if err := h.transport.Publish(ctx, h.topic(topicBroadcast), data); err != nil {
		logger.WarnF("Fail to propagate %s for app %s channel %s, details: %v", op, appID, channel, err)
		return errs.Wrap(errs.KindBrokerUnavailable, "adapter.propagate "+op, err)
	}
	return nil
}

func (h *HorizontalAdapter) Send(ctx context.Context, appID, channel string, msg protocol.Message, exceptSocketID string) error {
	if err := h.LocalAdapter.Send(ctx, appID, channel, msg, exceptSocketID); err != nil {
		return err
	}
	return h.propagate(ctx, opSend, appID, channel, "", sendPayload{Message: msg, ExceptSocketID: exceptSocketID})
}

func (h *HorizontalAdapter) AddToChannel(ctx context.Context, appID, channel, socketID string, member *protocol.PresenceMember, limit int) (namespace.Arrival, error) {
	arrival, err := h.LocalAdapter.AddToChannel(ctx, appID, channel, socketID, member, limit)
	if err != nil || !arrival.Joined {
		return arrival, err
	}
	return arrival, h.propagate(ctx, opJoin, appID, channel, socketID, joinPayload{Member: member})
}

func (h *HorizontalAdapter) RemoveFromChannel(ctx context.Context, appID, channel, socketID string) (namespace.Departure, error) {
	departure, err := h.LocalAdapter.RemoveFromChannel(ctx, appID, channel, socketID)
	if err != nil || !departure.Left {
		return departure, err
	}
	return departure, h.propagate(ctx, opLeave, appID, channel, socketID, nil)
}

func (h *HorizontalAdapter) TerminateUserConnections(ctx context.Context, appID, userID string) error {
	if err := h.LocalAdapter.TerminateUserConnections(ctx, appID, userID); err != nil {
		return err
	}
	return h.propagate(ctx, opTerminateUser, appID, "", "", terminatePayload{UserID: userID})
}

func (h *HorizontalAdapter) CleanupConnection(ctx context.Context, appID, socketID string) ([]namespace.ChannelDeparture, error) {
	departures, err := h.LocalAdapter.CleanupConnection(ctx, appID, socketID)
	if err != nil || len(departures) == 0 {
		return departures, err
	}
	return departures, h.propagate(ctx, opCleanup, appID, "", socketID, nil)
}

func (h *HorizontalAdapter) listen(ctx context.Context, deliveries <-chan Delivery) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			switch d.Topic {
			case h.topic(topicBroadcast):
				h.onBroadcast(ctx, d.Payload)
			case h.topic(topicRequests):
				h.onRequest(ctx, d.Payload)
			case h.topic(topicResponses):
				h.onResponse(d.Payload)
			}
		}
	}
}

// touchPeer records that node is alive. An empty epoch leaves the known epoch
// unchanged. It reports whether node came back with a new epoch, meaning the
// process restarted and its mirrored state is gone.
func (h *HorizontalAdapter) touchPeer(node, epoch string) bool {
	if node == "" || node == h.nodeID {
		return false
	}
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	p, known := h.peers[node]
	restarted := known && epoch != "" && p.epoch != "" && p.epoch != epoch
	if epoch != "" {
		p.epoch = epoch
	}
	p.lastSeen = h.now()
	h.peers[node] = p
	return restarted
}

func (h *HorizontalAdapter) forgetPeer(node string) {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	delete(h.peers, node)
}

// knownPeers lists the other nodes heard from recently.
func (h *HorizontalAdapter) knownPeers() []string {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	horizon := h.now().Add(-peerExpiryHeartbeats * h.heartbeatInterval)
	out := make([]string, 0, len(h.peers))
	for node, p := range h.peers {
		if p.lastSeen.After(horizon) {
			out = append(out, node)
		}
	}
	return out
}

func (h *HorizontalAdapter) expiredPeers() []string {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	horizon := h.now().Add(-peerExpiryHeartbeats * h.heartbeatInterval)
	var out []string
	for node, p := range h.peers {
		if !p.lastSeen.After(horizon) {
			out = append(out, node)
			delete(h.peers, node)
		}
	}
	return out
}

// purgeNode drops every membership mirrored from node and tells local presence
// subscribers about the users that went with it.
func (h *HorizontalAdapter) purgeNode(node string) {
	for _, ns := range h.Namespaces() {
		removed := ns.PurgeNode(node)
		if len(removed) == 0 {
			continue
		}
		logger.InfoF("Purged %d mirrored memberships of node %s in app %s", len(removed), node, ns.AppID)
		for _, d := range removed {
			if !d.UserLeft {
				continue
			}
			if _, err := dispatch(ns, d.Channel, protocol.MemberRemoved(d.Channel, d.UserID), ""); err != nil {
				logger.WarnF("Fail to announce departure of %s from %s, details: %v", d.UserID, d.Channel, err)
			}
		}
	}
}

// evictNode forgets the sequence windows of node so a restarted process with the
// same id starts from a clean slate.
func (h *HorizontalAdapter) evictNode(node string) {
	for _, key := range h.seen.Keys() {
		if strings.HasPrefix(key, node+":") {
			h.seen.Remove(key)
		}
	}
	for _, key := range h.applied.Keys() {
		if strings.HasPrefix(key, node+"|") {
			h.applied.Remove(key)
		}
	}
}

// dropNode removes everything known about a stopped or vanished peer.
func (h *HorizontalAdapter) dropNode(node string) {
	h.purgeNode(node)
	h.evictNode(node)
}

func membershipKey(f propagationFrame, channel string) string {
	return f.OriginNodeID + "|" + f.Epoch + "|" + f.AppID + "|" + channel + "|" + f.SocketID
}

// stale reports whether a newer frame already changed this membership.
func (h *HorizontalAdapter) stale(f propagationFrame) bool {
	for _, channel := range []string{f.Channel, "*"} {
		if last, ok := h.applied.Get(membershipKey(f, channel)); ok && last > f.Sequence {
			return true
		}
	}
	return false
}

func (h *HorizontalAdapter) onBroadcast(ctx context.Context, payload []byte) {
	var f propagationFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		logger.WarnF("Invalid propagation frame, details: %v", err)
		return
	}
	if f.OriginNodeID == h.nodeID {
		return
	}
	if h.touchPeer(f.OriginNodeID, f.Epoch) {
		logger.InfoF("Node %s restarted, dropping its previous state", f.OriginNodeID)
		h.dropNode(f.OriginNodeID)
	}

	seenKey := fmt.Sprintf("%s:%s:%d", f.OriginNodeID, f.Epoch, f.Sequence)
	if h.seen.Contains(seenKey) {
		return
	}
	h.seen.Add(seenKey, struct{}{})

	switch f.Op {
	case opHeartbeat:
	case opNodeStop:
		logger.InfoF("Node %s stopped", f.OriginNodeID)
		h.forgetPeer(f.OriginNodeID)
		h.dropNode(f.OriginNodeID)
	case opSend:
		var p sendPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			logger.WarnF("Invalid send payload from %s, details: %v", f.OriginNodeID, err)
			return
		}
		if ns := h.lookup(f.AppID); ns != nil {
			_, _ = dispatch(ns, f.Channel, p.Message, p.ExceptSocketID)
		}
	case opJoin:
		if h.stale(f) {
			return
		}
		var p joinPayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				logger.WarnF("Invalid join payload from %s, details: %v", f.OriginNodeID, err)
				return
			}
		}
		h.applied.Add(membershipKey(f, f.Channel), f.Sequence)
		_, _ = h.Namespace(f.AppID).AddMember(f.Channel, f.SocketID, f.OriginNodeID, p.Member, 0)
	case opLeave:
		if h.stale(f) {
			return
		}
		h.applied.Add(membershipKey(f, f.Channel), f.Sequence)
		if ns := h.lookup(f.AppID); ns != nil {
			ns.RemoveMember(f.Channel, f.SocketID)
		}
	case opCleanup:
		h.applied.Add(membershipKey(f, "*"), f.Sequence)
		if ns := h.lookup(f.AppID); ns != nil {
			ns.RemoveSocketFromAll(f.SocketID)
		}
	case opTerminateUser:
		var p terminatePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			logger.WarnF("Invalid terminate payload from %s, details: %v", f.OriginNodeID, err)
			return
		}
		_ = h.LocalAdapter.TerminateUserConnections(ctx, f.AppID, p.UserID)
	default:
		logger.WarnF("Unknown propagation op %q from %s", f.Op, f.OriginNodeID)
	}
}

// partial computes this node's share of an aggregate op.
func (h *HorizontalAdapter) partial(op, appID string) (any, error) {
	switch op {
	case opChannelsWithSocketCount:
		return h.localChannelCounts(appID), nil
	case opSocketsCount:
		return h.localSocketCount(appID), nil
	case opNamespaces:
		return h.localAppIDs(), nil
	default:
		return nil, fmt.Errorf("unknown aggregate op %q", op)
	}
}

func (h *HorizontalAdapter) onRequest(ctx context.Context, payload []byte) {
	var req requestFrame
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.WarnF("Invalid aggregate request, details: %v", err)
		return
	}
	if req.OriginNodeID == h.nodeID {
		return
	}
	h.touchPeer(req.OriginNodeID, "")
	h.metrics.MarkHorizontalAdapterRequestReceived(req.AppID)

	result, err := h.partial(req.Op, req.AppID)
	if err != nil {
		logger.WarnF("Aggregate request %s from %s rejected, details: %v", req.RequestID, req.OriginNodeID, err)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	data, err := json.Marshal(responseFrame{RequestID: req.RequestID, ResponderNodeID: h.nodeID, PartialResult: raw})
	if err != nil {
		return
	}
	if err := h.transport.Publish(ctx, h.topic(topicResponses), data); err != nil {
		logger.WarnF("Fail to answer aggregate request %s, details: %v", req.RequestID, err)
	}
}

func (h *HorizontalAdapter) onResponse(payload []byte) {
	var resp responseFrame
	if err := json.Unmarshal(payload, &resp); err != nil {
		logger.WarnF("Invalid aggregate response, details: %v", err)
		return
	}
	if resp.ResponderNodeID == h.nodeID {
		return
	}
	h.touchPeer(resp.ResponderNodeID, "")
	p, ok := h.pending.get(resp.RequestID)
	if !ok {
		return
	}
	h.metrics.MarkHorizontalAdapterResponseReceived(p.appID)
	if p.add(resp.ResponderNodeID, resp.PartialResult) {
		h.resolve(p, false)
	}
}

func (h *HorizontalAdapter) resolve(p *pendingRequest, timedOut bool) {
	p.once.Do(func() {
		h.pending.remove(p.id)
		p.timedOut = timedOut
		h.metrics.TrackHorizontalAdapterResolveTime(p.appID, h.now().Sub(p.created))
		h.metrics.TrackHorizontalAdapterResolvedPromises(p.appID, !timedOut)
		if timedOut {
			logger.DebugF("Aggregate request %s (%s) resolved by deadline with %d partials", p.id, p.op, len(p.results()))
		}
		close(p.done)
	})
}

// aggregate runs one scatter-gather round and returns every partial collected,
// keyed by node, plus whether the round ended by deadline.
func (h *HorizontalAdapter) aggregate(ctx context.Context, op, appID string) (map[string]json.RawMessage, bool, error) {
	if !h.admission.IsRunning() {
		return nil, false, errs.New(errs.KindShuttingDown, "adapter.aggregate", "server is stopping")
	}

	self, err := h.partial(op, appID)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindInternal, "adapter.aggregate", err)
	}
	selfRaw, err := json.Marshal(self)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindInternal, "adapter.aggregate", err)
	}

	p := newPendingRequest(uuid.NewString(), op, appID, h.knownPeers(), h.now(), h.requestTimeout)
	if p.add(h.nodeID, selfRaw) {
		// no peers known
		h.resolve(p, false)
		return p.results(), false, nil
	}
	h.pending.put(p)

	data, err := json.Marshal(requestFrame{RequestID: p.id, Op: op, AppID: appID, OriginNodeID: h.nodeID})
	if err != nil {
		h.resolve(p, true)
		return p.results(), true, errs.Wrap(errs.KindInternal, "adapter.aggregate", err)
	}
	if err := h.transport.Publish(ctx, h.topic(topicRequests), data); err != nil {
		logger.WarnF("Fail to publish aggregate request %s, details: %v", op, err)
		h.resolve(p, true)
		return p.results(), true, errs.Wrap(errs.KindBrokerUnavailable, "adapter.aggregate", err)
	}
	h.metrics.MarkHorizontalAdapterRequestSent(appID)

	timer := time.AfterFunc(h.requestTimeout, func() { h.resolve(p, true) })
	defer timer.Stop()

	select {
	case <-p.done:
	case <-ctx.Done():
		h.resolve(p, true)
	}
	return p.results(), p.timedOut, nil
}

func (h *HorizontalAdapter) GetChannelsWithSocketCount(ctx context.Context, appID string) (Aggregate[map[string]int], error) {
	partials, partial, err := h.aggregate(ctx, opChannelsWithSocketCount, appID)
	if partials == nil {
		return Aggregate[map[string]int]{Value: map[string]int{}, Partial: true}, err
	}
	value, mergeErr := mergeChannelCounts(partials)
	return Aggregate[map[string]int]{Value: value, Partial: partial, Responders: len(partials)}, errors.Join(err, mergeErr)
}

func (h *HorizontalAdapter) GetSocketsCount(ctx context.Context, appID string) (Aggregate[int], error) {
	partials, partial, err := h.aggregate(ctx, opSocketsCount, appID)
	if partials == nil {
		return Aggregate[int]{Partial: true}, err
	}
	value, mergeErr := mergeSocketCounts(partials)
	return Aggregate[int]{Value: value, Partial: partial, Responders: len(partials)}, errors.Join(err, mergeErr)
}

func (h *HorizontalAdapter) GetNamespaces(ctx context.Context) (Aggregate[[]string], error) {
	partials, partial, err := h.aggregate(ctx, opNamespaces, "")
	if partials == nil {
		return Aggregate[[]string]{Value: []string{}, Partial: true}, err
	}
	value, mergeErr := mergeNamespaces(partials)
	return Aggregate[[]string]{Value: value, Partial: partial, Responders: len(partials)}, errors.Join(err, mergeErr)
}

func (h *HorizontalAdapter) heartbeat(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.propagate(ctx, opHeartbeat, "", "", "", nil); err != nil && ctx.Err() == nil {
				logger.DebugF("Heartbeat failed, details: %v", err)
			}
			for _, node := range h.expiredPeers() {
				logger.WarnF("Node %s missed its heartbeats, dropping its mirrored state", node)
				h.dropNode(node)
			}
		}
	}
}

// reap resolves requests whose deadline passed without their timer firing.
func (h *HorizontalAdapter) reap(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.requestTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range h.pending.expired(h.now()) {
				h.resolve(p, true)
			}
		}
	}
}

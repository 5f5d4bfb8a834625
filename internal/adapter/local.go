package adapter

import (
	"context"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/connection"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/namespace"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
	"sort"
	"sync"
)

// LocalAdapter keeps every namespace in process memory. It is the whole fabric in
// standalone mode and the local mirror of a horizontal adapter.
type LocalAdapter struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace.Namespace
}

func NewLocalAdapter() *LocalAdapter {
	return &LocalAdapter{namespaces: make(map[string]*namespace.Namespace)}
}

func (l *LocalAdapter) Init(context.Context) error {
	logger.Info("Local adapter initialized")
	return nil
}

func (l *LocalAdapter) Namespace(appID string) *namespace.Namespace {
	l.mu.RLock()
	ns, ok := l.namespaces[appID]
	l.mu.RUnlock()
	if ok {
		return ns
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ns, ok = l.namespaces[appID]; !ok {
		ns = namespace.New(appID)
		l.namespaces[appID] = ns
	}
	return ns
}

// lookup returns the namespace without creating it.
func (l *LocalAdapter) lookup(appID string) *namespace.Namespace {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.namespaces[appID]
}

func (l *LocalAdapter) Namespaces() []*namespace.Namespace {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*namespace.Namespace, 0, len(l.namespaces))
	for _, ns := range l.namespaces {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out
}

func (l *LocalAdapter) AddSocket(_ context.Context, appID string, socket *connection.Socket) error {
	return l.Namespace(appID).AddSocket(socket)
}

func (l *LocalAdapter) GetConnection(_ context.Context, appID, socketID string) (*connection.Socket, bool) {
	ns := l.lookup(appID)
	if ns == nil {
		return nil, false
	}
	return ns.Socket(socketID)
}

func (l *LocalAdapter) RemoveConnection(_ context.Context, appID, socketID string) bool {
	ns := l.lookup(appID)
	if ns == nil {
		return false
	}
	return ns.RemoveSocket(socketID)
}

func (l *LocalAdapter) SendMessage(ctx context.Context, appID, socketID string, msg protocol.Message) error {
	s, ok := l.GetConnection(ctx, appID, socketID)
	if !ok {
		return nil
	}
	return s.Send(msg)
}

func (l *LocalAdapter) Send(_ context.Context, appID, channel string, msg protocol.Message, exceptSocketID string) error {
	ns := l.lookup(appID)
	if ns == nil {
		return nil
	}
	_, err := dispatch(ns, channel, msg, exceptSocketID)
	return err
}

func (l *LocalAdapter) AddToChannel(_ context.Context, appID, channel, socketID string, member *protocol.PresenceMember, limit int) (namespace.Arrival, error) {
	return l.Namespace(appID).AddMember(channel, socketID, namespace.LocalOrigin, member, limit)
}

func (l *LocalAdapter) RemoveFromChannel(_ context.Context, appID, channel, socketID string) (namespace.Departure, error) {
	ns := l.lookup(appID)
	if ns == nil {
		return namespace.Departure{}, nil
	}
	return ns.RemoveMember(channel, socketID), nil
}

func (l *LocalAdapter) GetChannelMembers(_ context.Context, appID, channel string) []protocol.PresenceMember {
	if ns := l.lookup(appID); ns != nil {
		return ns.Members(channel)
	}
	return nil
}

func (l *LocalAdapter) GetChannelSockets(_ context.Context, appID, channel string) []string {
	if ns := l.lookup(appID); ns != nil {
		return ns.ChannelSockets(channel)
	}
	return nil
}

func (l *LocalAdapter) GetChannelSocketsCount(_ context.Context, appID, channel string) int {
	if ns := l.lookup(appID); ns != nil {
		return ns.ChannelSocketCount(channel)
	}
	return 0
}

func (l *LocalAdapter) GetChannelUserCount(_ context.Context, appID, channel string) int {
	if ns := l.lookup(appID); ns != nil {
		return ns.ChannelUserCount(channel)
	}
	return 0
}

func (l *LocalAdapter) GetPresenceMember(_ context.Context, appID, channel, userID string) (protocol.PresenceMember, bool) {
	if ns := l.lookup(appID); ns != nil {
		return ns.PresenceMember(channel, userID)
	}
	return protocol.PresenceMember{}, false
}

func (l *LocalAdapter) IsInChannel(_ context.Context, appID, channel, socketID string) bool {
	if ns := l.lookup(appID); ns != nil {
		return ns.IsMember(channel, socketID)
	}
	return false
}

func (l *LocalAdapter) GetSocketChannels(_ context.Context, appID, socketID string) []string {
	if ns := l.lookup(appID); ns != nil {
		return ns.SocketChannels(socketID)
	}
	return nil
}

func (l *LocalAdapter) GetChannelsWithSocketCount(_ context.Context, appID string) (Aggregate[map[string]int], error) {
	return Aggregate[map[string]int]{Value: l.localChannelCounts(appID), Responders: 1}, nil
}

func (l *LocalAdapter) localChannelCounts(appID string) map[string]int {
	if ns := l.lookup(appID); ns != nil {
		return ns.ChannelsWithCountFrom(namespace.LocalOrigin)
	}
	return map[string]int{}
}

func (l *LocalAdapter) GetSocketsCount(_ context.Context, appID string) (Aggregate[int], error) {
	return Aggregate[int]{Value: l.localSocketCount(appID), Responders: 1}, nil
}

func (l *LocalAdapter) localSocketCount(appID string) int {
	if ns := l.lookup(appID); ns != nil {
		return ns.LocalSocketCount()
	}
	return 0
}

func (l *LocalAdapter) GetNamespaces(context.Context) (Aggregate[[]string], error) {
	return Aggregate[[]string]{Value: l.localAppIDs(), Responders: 1}, nil
}

// localAppIDs lists apps with at least one socket on this node.
func (l *LocalAdapter) localAppIDs() []string {
	ids := []string{}
	for _, ns := range l.Namespaces() {
		if ns.LocalSocketCount() > 0 {
			ids = append(ids, ns.AppID)
		}
	}
	return ids
}

func (l *LocalAdapter) AddUser(_ context.Context, appID, userID, socketID string) {
	l.Namespace(appID).AddUser(userID, socketID)
}

func (l *LocalAdapter) RemoveUser(_ context.Context, appID, userID, socketID string) {
	if ns := l.lookup(appID); ns != nil {
		ns.RemoveUser(userID, socketID)
	}
}

func (l *LocalAdapter) GetUserSockets(_ context.Context, appID, userID string) []string {
	if ns := l.lookup(appID); ns != nil {
		return ns.UserSockets(userID)
	}
	return nil
}

// TerminateUserConnections closes every local socket signed in as userID. The
// read loops of those sockets run the usual disconnect cleanup.
func (l *LocalAdapter) TerminateUserConnections(_ context.Context, appID, userID string) error {
	ns := l.lookup(appID)
	if ns == nil {
		return nil
	}
	for _, id := range ns.UserSockets(userID) {
		s, ok := ns.Socket(id)
		if !ok {
			continue
		}
		logger.InfoF("[%s] Terminating connection of user %s", id, userID)
		if err := s.Close(protocol.CodeUnauthorized, protocol.DisconnectedByApp); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Fail to close terminated connection, details: %v", id, err)
		}
	}
	return nil
}

func (l *LocalAdapter) CleanupConnection(_ context.Context, appID, socketID string) ([]namespace.ChannelDeparture, error) {
	ns := l.lookup(appID)
	if ns == nil {
		return nil, nil
	}
	if s, ok := ns.Socket(socketID); ok {
		if u, ok := s.User(); ok {
			ns.RemoveUser(u.ID, socketID)
		}
	}
	return ns.RemoveSocketFromAll(socketID), nil
}

func (l *LocalAdapter) Disconnect(context.Context) error {
	return nil
}

// Package adapter implements the connection/channel fabric: the local adapter over
// per-app namespaces and the horizontal adapter that mirrors state across nodes
// through a broker.
package adapter

import (
	"context"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/connection"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/namespace"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
)

// Aggregate is a cluster-wide read. Partial is set when not every known node
// answered before the deadline.
type Aggregate[T any] struct {
	Value      T
	Partial    bool
	Responders int
}

// Admission reports whether the process still accepts new work.
type Admission interface {
	IsRunning() bool
}

type alwaysRunning struct{}

func (alwaysRunning) IsRunning() bool { return true }

// Adapter is the capability contract used by the protocol handler and the HTTP API.
// Unknown apps, channels and sockets yield empty results; AddSocket with a duplicate
// id fails with errs.ErrAlreadyExists.
type Adapter interface {
	Init(ctx context.Context) error

	// Namespace returns the app's namespace, creating it on first use.
	Namespace(appID string) *namespace.Namespace
	Namespaces() []*namespace.Namespace

	AddSocket(ctx context.Context, appID string, socket *connection.Socket) error
	GetConnection(ctx context.Context, appID, socketID string) (*connection.Socket, bool)
	RemoveConnection(ctx context.Context, appID, socketID string) bool

	SendMessage(ctx context.Context, appID, socketID string, msg protocol.Message) error
	Send(ctx context.Context, appID, channel string, msg protocol.Message, exceptSocketID string) error

	AddToChannel(ctx context.Context, appID, channel, socketID string, member *protocol.PresenceMember, limit int) (namespace.Arrival, error)
	RemoveFromChannel(ctx context.Context, appID, channel, socketID string) (namespace.Departure, error)

	GetChannelMembers(ctx context.Context, appID, channel string) []protocol.PresenceMember
	GetChannelSockets(ctx context.Context, appID, channel string) []string
	GetChannelSocketsCount(ctx context.Context, appID, channel string) int
	GetChannelUserCount(ctx context.Context, appID, channel string) int
	GetPresenceMember(ctx context.Context, appID, channel, userID string) (protocol.PresenceMember, bool)
	IsInChannel(ctx context.Context, appID, channel, socketID string) bool
	GetSocketChannels(ctx context.Context, appID, socketID string) []string

	GetChannelsWithSocketCount(ctx context.Context, appID string) (Aggregate[map[string]int], error)
	GetSocketsCount(ctx context.Context, appID string) (Aggregate[int], error)
	GetNamespaces(ctx context.Context) (Aggregate[[]string], error)

	AddUser(ctx context.Context, appID, userID, socketID string)
	RemoveUser(ctx context.Context, appID, userID, socketID string)
	GetUserSockets(ctx context.Context, appID, userID string) []string
	TerminateUserConnections(ctx context.Context, appID, userID string) error

	// CleanupConnection removes the socket from every channel and from the user
	// index, returning what each removal changed.
	CleanupConnection(ctx context.Context, appID, socketID string) ([]namespace.ChannelDeparture, error)

	Disconnect(ctx context.Context) error
}

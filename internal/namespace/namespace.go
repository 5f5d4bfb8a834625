// Package namespace is the per-app store of sockets, channels and presence.
//
// Membership is kept in two indexes: channel name → members (inside each channel)
// and socket id → channel names. Both are changed together while the channel's
// mutex is held. Lock order is channel, then the namespace index, then the user
// index. Members carry the id of the node that owns the socket; "" is this node.
package namespace

import (
	"encoding/json"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/connection"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/errs"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
	"sort"
	"sync"
)

const LocalOrigin = ""

// Arrival describes what a join changed.
type Arrival struct {
	Joined     bool // false when the socket was already a member
	Occupied   bool // channel went from empty to one member
	UserJoined bool // first socket of this user in a presence channel
	Member     *protocol.PresenceMember
}

// Departure describes what a leave changed.
type Departure struct {
	Left     bool // false when the socket was not a member
	Vacated  bool // channel became empty and was removed
	UserLeft bool // last socket of this user left a presence channel
	UserID   string
}

type ChannelDeparture struct {
	Channel string
	Departure
}

type member struct {
	origin string
	userID string
}

type presenceEntry struct {
	info json.RawMessage
	refs int
}

type channel struct {
	mu       sync.Mutex
	name     string
	members  map[string]member
	presence map[string]*presenceEntry
	removed  bool
}

type Namespace struct {
	AppID string

	mu             sync.RWMutex
	sockets        map[string]*connection.Socket
	channels       map[string]*channel
	socketChannels map[string]map[string]struct{}

	usersMu sync.RWMutex
	users   map[string]map[string]struct{}
}

func New(appID string) *Namespace {
	return &Namespace{
		AppID:          appID,
		sockets:        make(map[string]*connection.Socket),
		channels:       make(map[string]*channel),
		socketChannels: make(map[string]map[string]struct{}),
		users:          make(map[string]map[string]struct{}),
	}
}

func (n *Namespace) AddSocket(s *connection.Socket) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sockets[s.ID]; ok {
		return errs.New(errs.KindAlreadyExists, "namespace.AddSocket", "socket %s already exists in app %s", s.ID, n.AppID)
	}
	n.sockets[s.ID] = s
	return nil
}

// RemoveSocket drops the socket handle. Channel membership is left to
// RemoveSocketFromAll.
func (n *Namespace) RemoveSocket(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sockets[id]; !ok {
		return false
	}
	delete(n.sockets, id)
	return true
}

func (n *Namespace) Socket(id string) (*connection.Socket, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.sockets[id]
	return s, ok
}

func (n *Namespace) Sockets() []*connection.Socket {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*connection.Socket, 0, len(n.sockets))
	for _, s := range n.sockets {
		out = append(out, s)
	}
	return out
}

func (n *Namespace) LocalSocketCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.sockets)
}

func (n *Namespace) channel(name string) *channel {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.channels[name]
}

// lockChannel returns the locked, live channel, creating it when create is set.
func (n *Namespace) lockChannel(name string, create bool) *channel {
	for {
		ch := n.channel(name)
		if ch == nil {
			if !create {
				return nil
			}
			n.mu.Lock()
			ch = n.channels[name]
			if ch == nil {
				ch = &channel{
					name:     name,
					members:  make(map[string]member),
					presence: make(map[string]*presenceEntry),
				}
				n.channels[name] = ch
			}
			n.mu.Unlock()
		}
		ch.mu.Lock()
		if !ch.removed {
			return ch
		}
		ch.mu.Unlock()
	}
}

// dropIfEmpty removes an empty channel from the index; ch.mu must be held.
func (n *Namespace) dropIfEmpty(ch *channel) bool {
	if len(ch.members) > 0 {
		return false
	}
	ch.removed = true
	n.mu.Lock()
	if n.channels[ch.name] == ch {
		delete(n.channels, ch.name)
	}
	n.mu.Unlock()
	return true
}

// AddMember joins socketID (owned by origin) to the channel. For presence channels
// member carries the identity and limit caps the number of distinct users (0 means
// unlimited). A rejected join changes nothing.
func (n *Namespace) AddMember(channelName, socketID, origin string, presence *protocol.PresenceMember, limit int) (Arrival, error) {
	ch := n.lockChannel(channelName, true)
	defer ch.mu.Unlock()

	if _, ok := ch.members[socketID]; ok {
		return Arrival{}, nil
	}

	var arrival Arrival
	m := member{origin: origin}
	if presence != nil {
		entry, ok := ch.presence[presence.UserID]
		if !ok {
			if limit > 0 && len(ch.presence) >= limit {
				n.dropIfEmpty(ch)
				return Arrival{}, errs.New(errs.KindPresenceLimitExceeded, "namespace.AddMember",
					"presence channel %s is full (%d members)", channelName, limit)
			}
			entry = &presenceEntry{info: append(json.RawMessage(nil), presence.UserInfo...)}
			ch.presence[presence.UserID] = entry
			arrival.UserJoined = true
		}
		entry.refs++
		m.userID = presence.UserID
		arrival.Member = &protocol.PresenceMember{UserID: presence.UserID, UserInfo: entry.info}
	}

	arrival.Joined = true
	arrival.Occupied = len(ch.members) == 0
	ch.members[socketID] = m

	n.mu.Lock()
	set, ok := n.socketChannels[socketID]
	if !ok {
		set = make(map[string]struct{})
		n.socketChannels[socketID] = set
	}
	set[channelName] = struct{}{}
	n.mu.Unlock()

	return arrival, nil
}

func (n *Namespace) RemoveMember(channelName, socketID string) Departure {
	ch := n.lockChannel(channelName, false)
	if ch == nil {
		return Departure{}
	}
	defer ch.mu.Unlock()

	m, ok := ch.members[socketID]
	if !ok {
		return Departure{}
	}
	delete(ch.members, socketID)

	d := Departure{Left: true}
	if m.userID != "" {
		d.UserID = m.userID
		if entry, ok := ch.presence[m.userID]; ok {
			entry.refs--
			if entry.refs <= 0 {
				delete(ch.presence, m.userID)
				d.UserLeft = true
			}
		}
	}

	n.mu.Lock()
	if set, ok := n.socketChannels[socketID]; ok {
		delete(set, channelName)
		if len(set) == 0 {
			delete(n.socketChannels, socketID)
		}
	}
	n.mu.Unlock()

	d.Vacated = n.dropIfEmpty(ch)
	return d
}

// RemoveSocketFromAll leaves every channel the socket joined.
func (n *Namespace) RemoveSocketFromAll(socketID string) []ChannelDeparture {
	var out []ChannelDeparture
	for _, name := range n.SocketChannels(socketID) {
		if d := n.RemoveMember(name, socketID); d.Left {
			out = append(out, ChannelDeparture{Channel: name, Departure: d})
		}
	}
	return out
}

// PurgeNode removes every member owned by origin, e.g. a peer that stopped.
func (n *Namespace) PurgeNode(origin string) []ChannelDeparture {
	type pair struct{ channel, socket string }
	var owned []pair
	for _, name := range n.Channels() {
		ch := n.lockChannel(name, false)
		if ch == nil {
			continue
		}
		for id, m := range ch.members {
			if m.origin == origin {
				owned = append(owned, pair{name, id})
			}
		}
		ch.mu.Unlock()
	}

	var out []ChannelDeparture
	for _, p := range owned {
		if d := n.RemoveMember(p.channel, p.socket); d.Left {
			out = append(out, ChannelDeparture{Channel: p.channel, Departure: d})
		}
	}
	return out
}

func (n *Namespace) Channels() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.channels))
	for name := range n.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (n *Namespace) SocketChannels(socketID string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	set := n.socketChannels[socketID]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (n *Namespace) IsMember(channelName, socketID string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.socketChannels[socketID][channelName]
	return ok
}

// Members lists the distinct presence users of a channel, ordered by user id.
func (n *Namespace) Members(channelName string) []protocol.PresenceMember {
	ch := n.lockChannel(channelName, false)
	if ch == nil {
		return nil
	}
	defer ch.mu.Unlock()
	out := make([]protocol.PresenceMember, 0, len(ch.presence))
	for id, entry := range ch.presence {
		out = append(out, protocol.PresenceMember{UserID: id, UserInfo: entry.info})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (n *Namespace) PresenceMember(channelName, userID string) (protocol.PresenceMember, bool) {
	ch := n.lockChannel(channelName, false)
	if ch == nil {
		return protocol.PresenceMember{}, false
	}
	defer ch.mu.Unlock()
	entry, ok := ch.presence[userID]
	if !ok {
		return protocol.PresenceMember{}, false
	}
	return protocol.PresenceMember{UserID: userID, UserInfo: entry.info}, true
}

// ChannelSockets returns the ids of every member, local and mirrored.
func (n *Namespace) ChannelSockets(channelName string) []string {
	ch := n.lockChannel(channelName, false)
	if ch == nil {
		return nil
	}
	defer ch.mu.Unlock()
	out := make([]string, 0, len(ch.members))
	for id := range ch.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LocalChannelSockets snapshots the socket handles of this node's members.
func (n *Namespace) LocalChannelSockets(channelName string) []*connection.Socket {
	ch := n.lockChannel(channelName, false)
	if ch == nil {
		return nil
	}
	ids := make([]string, 0, len(ch.members))
	for id, m := range ch.members {
		if m.origin == LocalOrigin {
			ids = append(ids, id)
		}
	}
	ch.mu.Unlock()

	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*connection.Socket, 0, len(ids))
	for _, id := range ids {
		if s, ok := n.sockets[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (n *Namespace) ChannelSocketCount(channelName string) int {
	ch := n.lockChannel(channelName, false)
	if ch == nil {
		return 0
	}
	defer ch.mu.Unlock()
	return len(ch.members)
}

func (n *Namespace) ChannelUserCount(channelName string) int {
	ch := n.lockChannel(channelName, false)
	if ch == nil {
		return 0
	}
	defer ch.mu.Unlock()
	return len(ch.presence)
}

// ChannelsWithCount counts members of every channel, local and mirrored.
func (n *Namespace) ChannelsWithCount() map[string]int {
	return n.countChannels(func(member) bool { return true })
}

// ChannelsWithCountFrom counts only members owned by origin.
func (n *Namespace) ChannelsWithCountFrom(origin string) map[string]int {
	return n.countChannels(func(m member) bool { return m.origin == origin })
}

func (n *Namespace) countChannels(keep func(member) bool) map[string]int {
	out := make(map[string]int)
	for _, name := range n.Channels() {
		ch := n.lockChannel(name, false)
		if ch == nil {
			continue
		}
		count := 0
		for _, m := range ch.members {
			if keep(m) {
				count++
			}
		}
		ch.mu.Unlock()
		if count > 0 {
			out[name] = count
		}
	}
	return out
}

func (n *Namespace) AddUser(userID, socketID string) {
	n.usersMu.Lock()
	defer n.usersMu.Unlock()
	set, ok := n.users[userID]
	if !ok {
		set = make(map[string]struct{})
		n.users[userID] = set
	}
	set[socketID] = struct{}{}
}

func (n *Namespace) RemoveUser(userID, socketID string) bool {
	n.usersMu.Lock()
	defer n.usersMu.Unlock()
	set, ok := n.users[userID]
	if !ok {
		return false
	}
	if _, ok := set[socketID]; !ok {
		return false
	}
	delete(set, socketID)
	if len(set) == 0 {
		delete(n.users, userID)
	}
	return true
}

func (n *Namespace) UserSockets(userID string) []string {
	n.usersMu.RLock()
	defer n.usersMu.RUnlock()
	set := n.users[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

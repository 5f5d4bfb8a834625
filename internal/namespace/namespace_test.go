package namespace

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/life-stream-dev/life-stream-go-realtime/internal/connection"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/errs"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSocket(id string) *connection.Socket {
	return connection.NewSocket(id, "demo", connection.NewMemoryConn(id), nil)
}

func presence(user string) *protocol.PresenceMember {
	return &protocol.PresenceMember{UserID: user, UserInfo: json.RawMessage(`{"name":"` + user + `"}`)}
}

func TestAddSocketDuplicate(t *testing.T) {
	ns := New("demo")
	first := newSocket("1.1")
	require.NoError(t, ns.AddSocket(first))

	err := ns.AddSocket(newSocket("1.1"))
	assert.ErrorIs(t, err, errs.ErrAlreadyExists)
	got, ok := ns.Socket("1.1")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, 1, ns.LocalSocketCount())
}

func TestMembershipTransitions(t *testing.T) {
	ns := New("demo")

	a, err := ns.AddMember("news", "1.1", LocalOrigin, nil, 0)
	require.NoError(t, err)
	assert.True(t, a.Joined)
	assert.True(t, a.Occupied)

	a, err = ns.AddMember("news", "1.2", LocalOrigin, nil, 0)
	require.NoError(t, err)
	assert.False(t, a.Occupied)

	a, err = ns.AddMember("news", "1.2", LocalOrigin, nil, 0)
	require.NoError(t, err)
	assert.False(t, a.Joined, "second join of the same socket is a no-op")
	assert.Equal(t, 2, ns.ChannelSocketCount("news"))

	d := ns.RemoveMember("news", "1.1")
	assert.True(t, d.Left)
	assert.False(t, d.Vacated)
	d = ns.RemoveMember("news", "1.1")
	assert.False(t, d.Left, "removing an absent member is a no-op")

	d = ns.RemoveMember("news", "1.2")
	assert.True(t, d.Vacated)
	assert.Empty(t, ns.Channels())
	assert.Equal(t, Departure{}, ns.RemoveMember("unknown", "1.2"))
}

func TestMemberCountMatchesSubscriptions(t *testing.T) {
	ns := New("demo")
	rng := rand.New(rand.NewSource(42))
	channels := []string{"a", "b", "c"}
	sockets := []string{"1.1", "1.2", "1.3", "1.4"}
	subscribed := make(map[string]map[string]bool)
	for _, c := range channels {
		subscribed[c] = make(map[string]bool)
	}

	for i := 0; i < 2000; i++ {
		c := channels[rng.Intn(len(channels))]
		s := sockets[rng.Intn(len(sockets))]
		if rng.Intn(2) == 0 {
			_, err := ns.AddMember(c, s, LocalOrigin, nil, 0)
			require.NoError(t, err)
			subscribed[c][s] = true
		} else {
			ns.RemoveMember(c, s)
			delete(subscribed[c], s)
		}

		for _, ch := range channels {
			want := len(subscribed[ch])
			if got := ns.ChannelSocketCount(ch); got != want {
				t.Fatalf("step %d: channel %s has %d members, want %d", i, ch, got, want)
			}
			present := false
			for _, name := range ns.Channels() {
				present = present || name == ch
			}
			if present != (want > 0) {
				t.Fatalf("step %d: channel %s present=%v with %d members", i, ch, present, want)
			}
			for _, s := range sockets {
				if ns.IsMember(ch, s) != subscribed[ch][s] {
					t.Fatalf("step %d: index disagrees for %s in %s", i, s, ch)
				}
			}
		}
	}
}

func TestPresenceLimit(t *testing.T) {
	ns := New("demo")
	_, err := ns.AddMember("presence-room", "1.1", LocalOrigin, presence("u1"), 2)
	require.NoError(t, err)
	_, err = ns.AddMember("presence-room", "1.2", LocalOrigin, presence("u2"), 2)
	require.NoError(t, err)

	_, err = ns.AddMember("presence-room", "1.3", LocalOrigin, presence("u3"), 2)
	assert.ErrorIs(t, err, errs.ErrPresenceLimitExceeded)
	assert.False(t, ns.IsMember("presence-room", "1.3"))
	assert.Len(t, ns.Members("presence-room"), 2)
	assert.Equal(t, 2, ns.ChannelSocketCount("presence-room"))

	// another socket of an existing user does not count against the limit
	a, err := ns.AddMember("presence-room", "1.4", LocalOrigin, presence("u1"), 2)
	require.NoError(t, err)
	assert.False(t, a.UserJoined)
	assert.Len(t, ns.Members("presence-room"), 2)
}

func TestPresenceRefcount(t *testing.T) {
	ns := New("demo")
	a, err := ns.AddMember("presence-room", "1.1", LocalOrigin, presence("u1"), 0)
	require.NoError(t, err)
	assert.True(t, a.UserJoined)
	require.NotNil(t, a.Member)
	assert.JSONEq(t, `{"name":"u1"}`, string(a.Member.UserInfo))

	a, err = ns.AddMember("presence-room", "1.2", LocalOrigin, presence("u1"), 0)
	require.NoError(t, err)
	assert.False(t, a.UserJoined)

	d := ns.RemoveMember("presence-room", "1.1")
	assert.False(t, d.UserLeft)
	m, ok := ns.PresenceMember("presence-room", "u1")
	require.True(t, ok)
	assert.Equal(t, "u1", m.UserID)

	d = ns.RemoveMember("presence-room", "1.2")
	assert.True(t, d.UserLeft)
	assert.Equal(t, "u1", d.UserID)
	assert.True(t, d.Vacated)
}

func TestRemoveSocketFromAll(t *testing.T) {
	ns := New("demo")
	for _, c := range []string{"a", "b", "presence-c"} {
		var p *protocol.PresenceMember
		if c == "presence-c" {
			p = presence("u1")
		}
		_, err := ns.AddMember(c, "1.1", LocalOrigin, p, 0)
		require.NoError(t, err)
	}
	_, err := ns.AddMember("a", "1.2", LocalOrigin, nil, 0)
	require.NoError(t, err)

	departures := ns.RemoveSocketFromAll("1.1")
	require.Len(t, departures, 3)
	vacated := 0
	for _, d := range departures {
		if d.Vacated {
			vacated++
		}
		if d.Channel == "presence-c" {
			assert.True(t, d.UserLeft)
		}
	}
	assert.Equal(t, 2, vacated)
	assert.Empty(t, ns.SocketChannels("1.1"))
	assert.Equal(t, []string{"a"}, ns.Channels())
}

func TestOriginCountsAndPurge(t *testing.T) {
	ns := New("demo")
	for i := 0; i < 5; i++ {
		_, err := ns.AddMember("x", fmt.Sprintf("1.%d", i), LocalOrigin, nil, 0)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := ns.AddMember("x", fmt.Sprintf("2.%d", i), "node-b", nil, 0)
		require.NoError(t, err)
	}
	_, err := ns.AddMember("y", "2.9", "node-b", nil, 0)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"x": 8, "y": 1}, ns.ChannelsWithCount())
	assert.Equal(t, map[string]int{"x": 5}, ns.ChannelsWithCountFrom(LocalOrigin))
	assert.Equal(t, map[string]int{"x": 3, "y": 1}, ns.ChannelsWithCountFrom("node-b"))

	purged := ns.PurgeNode("node-b")
	assert.Len(t, purged, 4)
	assert.Equal(t, map[string]int{"x": 5}, ns.ChannelsWithCount())
}

func TestLocalChannelSocketsSkipsMirroredMembers(t *testing.T) {
	ns := New("demo")
	local := newSocket("1.1")
	require.NoError(t, ns.AddSocket(local))
	_, _ = ns.AddMember("x", "1.1", LocalOrigin, nil, 0)
	_, _ = ns.AddMember("x", "2.1", "node-b", nil, 0)

	sockets := ns.LocalChannelSockets("x")
	require.Len(t, sockets, 1)
	assert.Same(t, local, sockets[0])
	assert.Len(t, ns.ChannelSockets("x"), 2)
}

func TestUsers(t *testing.T) {
	ns := New("demo")
	ns.AddUser("u1", "1.1")
	ns.AddUser("u1", "1.2")
	assert.Equal(t, []string{"1.1", "1.2"}, ns.UserSockets("u1"))
	assert.True(t, ns.RemoveUser("u1", "1.1"))
	assert.False(t, ns.RemoveUser("u1", "1.1"))
	assert.True(t, ns.RemoveUser("u1", "1.2"))
	assert.Empty(t, ns.UserSockets("u1"))
}

func TestConcurrentJoinLeave(t *testing.T) {
	ns := New("demo")
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			socket := fmt.Sprintf("%d.1", w)
			for i := 0; i < 500; i++ {
				channel := fmt.Sprintf("c%d", i%4)
				_, _ = ns.AddMember(channel, socket, LocalOrigin, nil, 0)
				ns.RemoveMember(channel, socket)
			}
		}(w)
	}
	wg.Wait()
	assert.Empty(t, ns.Channels())
	assert.Empty(t, ns.ChannelsWithCount())
}

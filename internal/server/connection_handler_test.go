package server

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-realtime/internal/app"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/auth"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionEstablished(t *testing.T) {
	ts := newTestServer(t, Options{ActivityTimeout: 120 * time.Second}, nil)
	c := ts.connect(t)

	frames := c.frames()
	require.Len(t, frames, 1)
	var data struct {
		ActivityTimeout int `json:"activity_timeout"`
	}
	require.NoError(t, frames[0].DecodeData(&data))
	assert.Equal(t, 120, data.ActivityTimeout)

	_, ok := ts.adapter.GetConnection(context.Background(), "demo", c.socketID)
	assert.True(t, ok)

	c.send(protocol.EventPing, "", struct{}{})
	c.expect(protocol.EventPong, "")
}

func TestPresenceLimit(t *testing.T) {
	ts := newTestServer(t, Options{}, nil)
	ctx := context.Background()

	first, second, third := ts.connect(t), ts.connect(t), ts.connect(t)
	first.subscribePresence("presence-room", "u1")
	first.expect(protocol.EventSubscriptionSucceeded, "presence-room")
	second.subscribePresence("presence-room", "u2")
	second.expect(protocol.EventSubscriptionSucceeded, "presence-room")

	third.subscribePresence("presence-room", "u3")
	rejection := third.expect(protocol.EventSubscriptionError, "presence-room")
	assert.Contains(t, string(rejection.Data), errTypeLimitReached)

	members := ts.adapter.GetChannelMembers(ctx, "demo", "presence-room")
	require.Len(t, members, 2)
	assert.Equal(t, "u1", members[0].UserID)
	assert.Equal(t, "u2", members[1].UserID)
	assert.False(t, ts.adapter.IsInChannel(ctx, "demo", "presence-room", third.socketID))

	closed, _ := third.closed()
	assert.False(t, closed, "a rejection never closes the connection")
	first.expect(protocol.EventMemberAdded, "presence-room")
	assert.Equal(t, 1, first.count(protocol.EventMemberAdded, "presence-room"))
}

func TestPresenceSucceededCarriesMembers(t *testing.T) {
	ts := newTestServer(t, Options{}, nil)
	first, second := ts.connect(t), ts.connect(t)

	first.subscribePresence("presence-room", "u1")
	first.expect(protocol.EventSubscriptionSucceeded, "presence-room")
	second.subscribePresence("presence-room", "u2")
	msg := second.expect(protocol.EventSubscriptionSucceeded, "presence-room")

	var data struct {
		Presence struct {
			IDs   []string                   `json:"ids"`
			Hash  map[string]json.RawMessage `json:"hash"`
			Count int                        `json:"count"`
		} `json:"presence"`
	}
	require.NoError(t, msg.DecodeData(&data))
	assert.Equal(t, []string{"u1", "u2"}, data.Presence.IDs)
	assert.Equal(t, 2, data.Presence.Count)
	assert.JSONEq(t, `{"name":"u1"}`, string(data.Presence.Hash["u1"]))

	added := first.expect(protocol.EventMemberAdded, "presence-room")
	var member protocol.PresenceMember
	require.NoError(t, added.DecodeData(&member))
	assert.Equal(t, "u2", member.UserID)
	require.Eventually(t, func() bool { return ts.hooks.Count(webhook.MemberAdded, "presence-room") == 2 }, waitFor, tick)
	assert.Equal(t, 1, ts.hooks.Count(webhook.ChannelOccupied, "presence-room"))
}

func TestSameUserRefcount(t *testing.T) {
	ts := newTestServer(t, Options{}, nil)
	ctx := context.Background()

	observer := ts.connect(t)
	observer.subscribePresence("presence-room", "watcher")
	observer.expect(protocol.EventSubscriptionSucceeded, "presence-room")

	a, b := ts.connect(t), ts.connect(t)
	a.subscribePresence("presence-room", "u1")
	a.expect(protocol.EventSubscriptionSucceeded, "presence-room")
	b.subscribePresence("presence-room", "u1")
	b.expect(protocol.EventSubscriptionSucceeded, "presence-room")

	assert.Len(t, ts.adapter.GetChannelMembers(ctx, "demo", "presence-room"), 2)

	a.disconnect()
	assert.Equal(t, 2, ts.hooks.Count(webhook.MemberAdded, "presence-room"), "second socket of u1 adds no member")
	assert.Zero(t, ts.hooks.Count(webhook.MemberRemoved, "presence-room"))
	assert.Zero(t, observer.count(protocol.EventMemberRemoved, "presence-room"))
	_, stillThere := ts.adapter.GetPresenceMember(ctx, "demo", "presence-room", "u1")
	assert.True(t, stillThere)

	b.disconnect()
	assert.Equal(t, 1, ts.hooks.Count(webhook.MemberRemoved, "presence-room"))
	removed := observer.expect(protocol.EventMemberRemoved, "presence-room")
	var data struct {
		UserID string `json:"user_id"`
	}
	require.NoError(t, removed.DecodeData(&data))
	assert.Equal(t, "u1", data.UserID)
	assert.Equal(t, 1, observer.count(protocol.EventMemberRemoved, "presence-room"))
}

func TestDisconnectCleansUpEveryChannel(t *testing.T) {
	ts := newTestServer(t, Options{}, nil)
	ctx := context.Background()
	c := ts.connect(t)

	c.subscribe("news")
	c.expect(protocol.EventSubscriptionSucceeded, "news")
	c.subscribePrivate("private-orders")
	c.expect(protocol.EventSubscriptionSucceeded, "private-orders")
	c.subscribePresence("presence-room", "u1")
	c.expect(protocol.EventSubscriptionSucceeded, "presence-room")
	require.Len(t, ts.adapter.GetSocketChannels(ctx, "demo", c.socketID), 3)

	c.disconnect()

	assert.Empty(t, ts.adapter.GetSocketChannels(ctx, "demo", c.socketID))
	_, ok := ts.adapter.GetConnection(ctx, "demo", c.socketID)
	assert.False(t, ok)
	for _, ch := range []string{"news", "private-orders", "presence-room"} {
		assert.Zero(t, ts.adapter.GetChannelSocketsCount(ctx, "demo", ch), ch)
		assert.Equal(t, 1, ts.hooks.Count(webhook.ChannelVacated, ch), ch)
	}
	assert.Equal(t, 1, ts.hooks.Count(webhook.MemberRemoved, "presence-room"))
	assert.Empty(t, ts.adapter.Namespace("demo").Channels())
}

func TestUnsubscribe(t *testing.T) {
	ts := newTestServer(t, Options{}, nil)
	ctx := context.Background()
	c := ts.connect(t)

	c.subscribe("news")
	c.expect(protocol.EventSubscriptionSucceeded, "news")
	c.send(protocol.EventUnsubscribe, "", protocol.UnsubscribeData{Channel: "news"})

	require.Eventually(t, func() bool { return !ts.adapter.IsInChannel(ctx, "demo", "news", c.socketID) }, waitFor, tick)
	require.Eventually(t, func() bool { return ts.hooks.Count(webhook.ChannelVacated, "news") == 1 }, waitFor, tick)
}

func TestClientEventDelivery(t *testing.T) {
	ts := newTestServer(t, Options{}, nil)
	sender, receiver := ts.connect(t), ts.connect(t)
	sender.subscribePresence("presence-chat", "alice")
	sender.expect(protocol.EventSubscriptionSucceeded, "presence-chat")
	receiver.subscribePresence("presence-chat", "bob")
	receiver.expect(protocol.EventSubscriptionSucceeded, "presence-chat")

	sender.send("client-typing", "presence-chat", map[string]bool{"typing": true})

	got := receiver.expect("client-typing", "presence-chat")
	assert.Equal(t, "alice", got.UserID)
	assert.JSONEq(t, `{"typing":true}`, string(got.Data))
	require.Eventually(t, func() bool { return ts.hooks.Count(webhook.ClientEvent, "presence-chat") == 1 }, waitFor, tick)
	assert.Zero(t, sender.count("client-typing", "presence-chat"))
}

func TestResubscribeKeepsPresenceIdentity(t *testing.T) {
	ts := newTestServer(t, Options{}, nil)
	sender, receiver := ts.connect(t), ts.connect(t)
	sender.subscribePresence("presence-chat", "alice")
	sender.expect(protocol.EventSubscriptionSucceeded, "presence-chat")
	receiver.subscribePresence("presence-chat", "bob")
	receiver.expect(protocol.EventSubscriptionSucceeded, "presence-chat")

	sender.subscribePresence("presence-chat", "mallory")
	sender.expect(protocol.EventSubscriptionSucceeded, "presence-chat")

	sender.send("client-typing", "presence-chat", map[string]bool{"typing": true})
	got := receiver.expect("client-typing", "presence-chat")
	assert.Equal(t, "alice", got.UserID)
	_, ok := ts.adapter.GetPresenceMember(context.Background(), "demo", "presence-chat", "mallory")
	assert.False(t, ok)
}

func TestRejections(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(*app.App)
		run     func(c *client)
		event   string
		channel string
		code    int
		detail  string
	}{
		{
			name: "bad signature",
			run: func(c *client) {
				c.send(protocol.EventSubscribe, "", protocol.SubscribeData{Channel: "private-x", Auth: appKey + ":deadbeef"})
			},
			event:   protocol.EventSubscriptionError,
			channel: "private-x",
			detail:  errTypeAuth,
		},
		{
			name: "invalid channel name",
			run: func(c *client) {
				c.subscribe("bad channel!")
			},
			event:   protocol.EventSubscriptionError,
			channel: "bad channel!",
			detail:  errTypeInvalid,
		},
		{
			name: "client events disabled",
			edit: func(a *app.App) { a.EnableClientMessages = false },
			run: func(c *client) {
				c.subscribePrivate("private-x")
				c.send("client-x", "private-x", struct{}{})
			},
			event: protocol.EventError,
			code:  protocol.CodeClientEventRejected,
		},
		{
			name: "client event on public channel",
			run: func(c *client) {
				c.subscribe("news")
				c.send("client-x", "news", struct{}{})
			},
			event: protocol.EventError,
			code:  protocol.CodeClientEventRejected,
		},
		{
			name: "client event without subscription",
			run: func(c *client) {
				c.send("client-x", "private-x", struct{}{})
			},
			event: protocol.EventError,
			code:  protocol.CodeClientEventRejected,
		},
		{
			name: "client event payload too large",
			edit: func(a *app.App) { a.MaxEventPayloadInKB = 1 },
			run: func(c *client) {
				c.subscribePrivate("private-x")
				c.send("client-x", "private-x", strings.Repeat("a", 2048))
			},
			event: protocol.EventError,
			code:  protocol.CodeClientEventRejected,
		},
		{
			name: "client event rate limited",
			edit: func(a *app.App) { a.MaxClientEventsPerSecond = 1 },
			run: func(c *client) {
				c.subscribePrivate("private-x")
				c.send("client-x", "private-x", struct{}{})
				c.send("client-x", "private-x", struct{}{})
			},
			event: protocol.EventError,
			code:  protocol.CodeClientEventRejected,
		},
		{
			name: "signin with bad signature",
			run: func(c *client) {
				c.send(protocol.EventSignin, "", protocol.SigninData{Auth: appKey + ":00", UserData: `{"id":"u1"}`})
			},
			event: protocol.EventError,
			code:  protocol.CodeUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Options{}, tt.edit)
			c := ts.connect(t)
			tt.run(c)

			msg := c.expect(tt.event, tt.channel)
			if tt.code != 0 {
				var data struct {
					Code int `json:"code"`
				}
				require.NoError(t, msg.DecodeData(&data))
				if data.Code != tt.code {
					t.Errorf("code = %d, want %d", data.Code, tt.code)
				}
			}
			if tt.detail != "" && !strings.Contains(string(msg.Data), tt.detail) {
				t.Errorf("data = %s, want it to mention %s", msg.Data, tt.detail)
			}

			closed, _ := c.closed()
			assert.False(t, closed, "a rejection never closes the connection")
		})
	}
}

func TestSignin(t *testing.T) {
	ts := newTestServer(t, Options{}, nil)
	ctx := context.Background()
	c := ts.connect(t)

	userData := `{"id":"u1","name":"ann"}`
	c.send(protocol.EventSignin, "", protocol.SigninData{
		Auth:     auth.SignUser(appKey, appSecret, c.socketID, userData),
		UserData: userData,
	})
	c.expect(protocol.EventSigninSuccess, "")
	assert.Equal(t, []string{c.socketID}, ts.adapter.GetUserSockets(ctx, "demo", "u1"))

	require.NoError(t, ts.adapter.TerminateUserConnections(ctx, "demo", "u1"))
	select {
	case <-c.done:
	case <-time.After(waitFor):
		t.Fatal("terminated connection was not cleaned up")
	}
	_, code := c.closed()
	assert.Equal(t, protocol.CodeUnauthorized, code)
	assert.Empty(t, ts.adapter.GetUserSockets(ctx, "demo", "u1"))
}

func TestHandshakeRejections(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*app.App)
		key   string
		query url.Values
		stop  bool
		code  int
	}{
		{name: "unknown app", key: "nope", code: protocol.CodeAppNotFound},
		{name: "disabled app", key: appKey, edit: func(a *app.App) { a.Enabled = false }, code: protocol.CodeAppDisabled},
		{name: "unsupported protocol", key: appKey, query: url.Values{"protocol": {"2"}}, code: protocol.CodeInvalidVersion},
		{name: "server stopping", key: appKey, stop: true, code: protocol.CodeReconnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Options{}, tt.edit)
			if tt.stop {
				ts.state.Stop()
			}
			c := ts.dial(t, tt.key, tt.query)
			<-c.done
			closed, code := c.closed()
			if !closed || code != tt.code {
				t.Errorf("closed = %v code = %d, want code %d", closed, code, tt.code)
			}
			msg := c.expect(protocol.EventError, "")
			assert.Contains(t, string(msg.Data), "message")
		})
	}
}

func TestOverQuota(t *testing.T) {
	ts := newTestServer(t, Options{}, func(a *app.App) { a.MaxConnections = 1 })
	ts.connect(t)

	c := ts.dial(t, appKey, nil)
	<-c.done
	_, code := c.closed()
	assert.Equal(t, protocol.CodeOverQuota, code)
}

func TestIdleConnectionIsPingedThenClosed(t *testing.T) {
	ts := newTestServer(t, Options{ActivityTimeout: 50 * time.Millisecond, PongTimeout: 50 * time.Millisecond}, nil)
	c := ts.connect(t)

	c.expect(protocol.EventPing, "")
	select {
	case <-c.done:
	case <-time.After(waitFor):
		t.Fatal("idle connection was not closed")
	}
	_, code := c.closed()
	assert.Equal(t, protocol.CodePongNotReceived, code)
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	ts := newTestServer(t, Options{ActivityTimeout: 80 * time.Millisecond, PongTimeout: 80 * time.Millisecond}, nil)
	c := ts.connect(t)

	c.expect(protocol.EventPing, "")
	c.send(protocol.EventPong, "", struct{}{})
	time.Sleep(100 * time.Millisecond)

	closed, _ := c.closed()
	assert.False(t, closed)
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-realtime/internal/adapter"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/app"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/auth"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/connection"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/webhook"
	"github.com/stretchr/testify/require"
)

const (
	appKey    = "demo-key"
	appSecret = "demo-secret"
	waitFor   = 2 * time.Second
	tick      = 5 * time.Millisecond
)

type testServer struct {
	srv     *Server
	apps    *app.MemoryManager
	adapter *adapter.LocalAdapter
	hooks   *webhook.Recorder
	state   *RunState
}

func demoApp() app.App {
	return app.App{
		ID:                           "demo",
		Key:                          appKey,
		Secret:                       appSecret,
		Enabled:                      true,
		EnableClientMessages:         true,
		EnableUserAuthentication:     true,
		MaxPresenceMembersPerChannel: 2,
	}
}

func newTestServer(t *testing.T, opts Options, edit func(*app.App)) *testServer {
	t.Helper()
	a := demoApp()
	if edit != nil {
		edit(&a)
	}
	apps := app.NewMemoryManager()
	require.NoError(t, apps.Create(context.Background(), a))

	ts := &testServer{apps: apps, adapter: adapter.NewLocalAdapter(), hooks: &webhook.Recorder{}, state: &RunState{}}
	if opts.ActivityTimeout == 0 {
		opts.ActivityTimeout = time.Minute
	}
	ts.srv = New(opts, Deps{Apps: apps, Adapter: ts.adapter, Webhooks: ts.hooks, State: ts.state})
	ts.state.Start()
	return ts
}

type client struct {
	t        *testing.T
	conn     *connection.MemoryConn
	socketID string
	seen     int
	done     chan struct{}
}

// dial runs a connection through Serve without waiting for the handshake.
func (ts *testServer) dial(t *testing.T, key string, query url.Values) *client {
	t.Helper()
	c := &client{t: t, conn: connection.NewMemoryConn("127.0.0.1:40000"), done: make(chan struct{})}
	go func() {
		defer close(c.done)
		ts.srv.Serve(context.Background(), key, query, c.conn)
	}()
	return c
}

func (ts *testServer) connect(t *testing.T) *client {
	t.Helper()
	c := ts.dial(t, appKey, url.Values{"protocol": {"7"}})
	msg := c.expect(protocol.EventConnectionEstablished, "")
	var data struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	require.NoError(t, msg.DecodeData(&data))
	require.NotEmpty(t, data.SocketID)
	c.socketID = data.SocketID
	t.Cleanup(func() { c.disconnect() })
	return c
}

func (c *client) frames() []protocol.Message {
	var out []protocol.Message
	for _, raw := range c.conn.Written() {
		msg, err := protocol.Parse(raw)
		require.NoError(c.t, err)
		out = append(out, *msg)
	}
	return out
}

// expect waits for the next frame with event on channel, skipping others.
func (c *client) expect(event, channel string) protocol.Message {
	c.t.Helper()
	var found protocol.Message
	require.Eventually(c.t, func() bool {
		frames := c.frames()
		for i := c.seen; i < len(frames); i++ {
			if frames[i].Event == event && frames[i].Channel == channel {
				found = frames[i]
				c.seen = i + 1
				return true
			}
		}
		return false
	}, waitFor, tick, "no %s frame on %q", event, channel)
	return found
}

func (c *client) count(event, channel string) int {
	n := 0
	for _, f := range c.frames() {
		if f.Event == event && f.Channel == channel {
			n++
		}
	}
	return n
}

func (c *client) send(event, channel string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	frame, err := protocol.Event(event, channel, raw, "").Encode()
	require.NoError(c.t, err)
	c.conn.Deliver(frame)
}

func (c *client) subscribe(channel string) {
	c.send(protocol.EventSubscribe, "", protocol.SubscribeData{Channel: channel})
}

func (c *client) subscribePrivate(channel string) {
	c.send(protocol.EventSubscribe, "", protocol.SubscribeData{
		Channel: channel,
		Auth:    auth.SignChannel(appKey, appSecret, c.socketID, channel, ""),
	})
}

func (c *client) subscribePresence(channel, userID string) {
	channelData := fmt.Sprintf(`{"user_id":%q,"user_info":{"name":%q}}`, userID, userID)
	c.send(protocol.EventSubscribe, "", protocol.SubscribeData{
		Channel:     channel,
		Auth:        auth.SignChannel(appKey, appSecret, c.socketID, channel, channelData),
		ChannelData: channelData,
	})
}

// disconnect closes the client side and waits for the server cleanup.
func (c *client) disconnect() {
	_ = c.conn.Close(closeNormal, "")
	select {
	case <-c.done:
	case <-time.After(waitFor):
		c.t.Errorf("connection %s was not cleaned up", c.socketID)
	}
}

func (c *client) closed() (bool, int) {
	closed, code, _ := c.conn.Closed()
	return closed, code
}

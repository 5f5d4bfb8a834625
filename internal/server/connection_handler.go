package server

import (
	"context"
	"errors"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/adapter"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/app"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/auth"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/connection"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/errs"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/namespace"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/ratelimit"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/webhook"
	"time"
)

const closeNormal = 1000

// subscription error types understood by pusher-js
const (
	errTypeAuth         = "AuthError"
	errTypeLimitReached = "LimitReached"
	errTypeInvalid      = "InvalidChannel"
	errTypeTooLarge     = "PayloadTooLarge"
)

// ConnectionHandler drives one client through the protocol. Only the read loop
// goroutine touches its fields after open; the idle watchdog only reads the socket.
type ConnectionHandler struct {
	server  *Server
	app     *app.App
	socket  *connection.Socket
	limiter ratelimit.Limiter

	// presence user id per subscribed presence channel
	presence map[string]string
}

func newConnectionHandler(s *Server, a *app.App, socket *connection.Socket) *ConnectionHandler {
	return &ConnectionHandler{
		server:   s,
		app:      a,
		socket:   socket,
		limiter:  s.limits.For(a),
		presence: make(map[string]string),
	}
}

func (c *ConnectionHandler) adapter() adapter.Adapter {
	return c.server.adapter
}

func (c *ConnectionHandler) send(msg protocol.Message) {
	if err := c.socket.Send(msg); err != nil && !connection.IsNetClosedError(err) {
		logger.WarnF("[%s] Fail to send %s, details: %v", c.socket.ID, msg.Event, err)
	}
}

func (c *ConnectionHandler) emit(ctx context.Context, evt webhook.Event) {
	evt.TimeMs = time.Now().UnixMilli()
	if err := c.server.webhooks.Emit(ctx, c.app, evt); err != nil {
		logger.WarnF("[%s] Fail to emit %s webhook, details: %v", c.socket.ID, evt.Name, err)
	}
}

// tolerate logs broker failures of an adapter mutation and reports whether err
// is still a failure of the operation itself.
func (c *ConnectionHandler) tolerate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) == errs.KindBrokerUnavailable {
		logger.WarnF("[%s] %s applied locally but not propagated, details: %v", c.socket.ID, op, err)
		return nil
	}
	return err
}

func (c *ConnectionHandler) open(ctx context.Context) error {
	if err := c.adapter().AddSocket(ctx, c.app.ID, c.socket); err != nil {
		logger.ErrorF("[%s] Fail to register connection, details: %v", c.socket.ID, err)
		_ = c.socket.Close(protocol.CodeReconnect, "Connection could not be registered")
		return err
	}
	if !c.socket.Transition(connection.Connecting, connection.Open) {
		return connection.ErrSocketClosed
	}
	c.server.metrics.MarkNewConnection(c.app.ID)
	c.send(protocol.ConnectionEstablished(c.socket.ID, int(c.server.opts.ActivityTimeout/time.Second)))
	logger.InfoF("[%s] Connection established for app %s from %s", c.socket.ID, c.app.ID, c.socket.RemoteAddr())
	return nil
}

func (c *ConnectionHandler) handleConnection(ctx context.Context) {
	if err := c.open(ctx); err != nil {
		return
	}

	done := make(chan struct{})
	go c.watchIdle(done)

	defer func() {
		close(done)
		c.close(context.WithoutCancel(ctx))
	}()

	c.handleMessages(ctx)
}

func (c *ConnectionHandler) handleMessages(ctx context.Context) {
	for {
		data, err := c.socket.ReadMessage()
		if err != nil {
			connection.HandleReadError(c.socket.ID, err)
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			logger.WarnF("[%s] Invalid frame, details: %v", c.socket.ID, err)
			c.send(protocol.Error(0, "Invalid message format"))
			continue
		}

		logger.DebugF("[%s] Receive %s event", c.socket.ID, msg.Event)

		switch {
		case msg.Event == protocol.EventPing:
			c.send(protocol.Pong())
		case msg.Event == protocol.EventPong:
		case msg.Event == protocol.EventSubscribe:
			c.handleSubscribe(ctx, msg)
		case msg.Event == protocol.EventUnsubscribe:
			c.handleUnsubscribe(ctx, msg)
		case msg.Event == protocol.EventSignin:
			c.handleSignin(ctx, msg)
		case protocol.IsClientEvent(msg.Event):
			c.handleClientEvent(ctx, msg)
		default:
			logger.DebugF("[%s] %s event has not been supported", c.socket.ID, msg.Event)
		}
	}
}

func (c *ConnectionHandler) rejectSubscription(channel, errType, message string, status int) {
	logger.InfoF("[%s] Subscription to %s rejected, %s", c.socket.ID, channel, message)
	c.send(protocol.SubscriptionError(channel, errType, message, status))
}

func (c *ConnectionHandler) handleSubscribe(ctx context.Context, msg *protocol.Message) {
	var data protocol.SubscribeData
	if err := msg.DecodeData(&data); err != nil {
		c.send(protocol.Error(0, "Invalid subscribe payload"))
		return
	}
	channel := data.Channel
	if err := protocol.ValidChannelName(channel, c.app.MaxChannelNameLength); err != nil {
		c.rejectSubscription(channel, errTypeInvalid, err.Error(), 400)
		return
	}

	kind := protocol.TypeOf(channel)
	if kind.RequiresAuth() {
		channelData := ""
		if kind == protocol.Presence {
			channelData = data.ChannelData
		}
		if err := auth.ValidChannelAuth(c.app.Key, c.app.Secret, data.Auth, c.socket.ID, channel, channelData); err != nil {
			c.rejectSubscription(channel, errTypeAuth, "Invalid signature", 401)
			return
		}
	}

	var member *protocol.PresenceMember
	if kind == protocol.Presence {
		if len(data.ChannelData) > c.app.MaxPresenceMemberSizeInKB*1024 {
			c.rejectSubscription(channel, errTypeTooLarge, "Presence member data is too large", 413)
			return
		}
		cd, userID, err := protocol.ParseChannelData(data.ChannelData)
		if err != nil {
			c.rejectSubscription(channel, errTypeInvalid, "Invalid channel_data", 400)
			return
		}
		member = &protocol.PresenceMember{UserID: userID, UserInfo: cd.UserInfo}
	}

	arrival, err := c.adapter().AddToChannel(ctx, c.app.ID, channel, c.socket.ID, member, c.app.MaxPresenceMembersPerChannel)
	if err = c.tolerate("subscribe", err); err != nil {
		if errors.Is(err, errs.ErrPresenceLimitExceeded) {
			c.rejectSubscription(channel, errTypeLimitReached, "Presence channel member limit reached", 403)
			return
		}
		logger.ErrorF("[%s] Fail to subscribe to %s, details: %v", c.socket.ID, channel, err)
		c.rejectSubscription(channel, errTypeInvalid, "Subscription failed", 500)
		return
	}

	if member == nil {
		c.send(protocol.SubscriptionSucceeded(channel, nil))
	} else {
		if arrival.Joined {
			c.presence[channel] = member.UserID
		}
		c.send(protocol.SubscriptionSucceeded(channel, c.adapter().GetChannelMembers(ctx, c.app.ID, channel)))
	}
	logger.DebugF("[%s] Subscribed to %s", c.socket.ID, channel)

	if arrival.Occupied {
		c.emit(ctx, webhook.Event{Name: webhook.ChannelOccupied, Channel: channel})
	}
	if arrival.UserJoined {
		err := c.adapter().Send(ctx, c.app.ID, channel, protocol.MemberAdded(channel, *member), c.socket.ID)
		if err = c.tolerate("member_added", err); err != nil {
			logger.WarnF("[%s] Fail to broadcast member_added on %s, details: %v", c.socket.ID, channel, err)
		}
		c.emit(ctx, webhook.Event{Name: webhook.MemberAdded, Channel: channel, UserID: member.UserID})
	}
}

func (c *ConnectionHandler) handleUnsubscribe(ctx context.Context, msg *protocol.Message) {
	var data protocol.UnsubscribeData
	if err := msg.DecodeData(&data); err != nil || data.Channel == "" {
		c.send(protocol.Error(0, "Invalid unsubscribe payload"))
		return
	}
	departure, err := c.adapter().RemoveFromChannel(ctx, c.app.ID, data.Channel, c.socket.ID)
	if err = c.tolerate("unsubscribe", err); err != nil {
		logger.ErrorF("[%s] Fail to unsubscribe from %s, details: %v", c.socket.ID, data.Channel, err)
		return
	}
	delete(c.presence, data.Channel)
	c.announceDeparture(ctx, data.Channel, departure)
}

// announceDeparture emits member_removed and channel_vacated for one removal.
func (c *ConnectionHandler) announceDeparture(ctx context.Context, channel string, d namespace.Departure) {
	if d.UserLeft {
		err := c.adapter().Send(ctx, c.app.ID, channel, protocol.MemberRemoved(channel, d.UserID), c.socket.ID)
		if err = c.tolerate("member_removed", err); err != nil {
			logger.WarnF("[%s] Fail to broadcast member_removed on %s, details: %v", c.socket.ID, channel, err)
		}
		c.emit(ctx, webhook.Event{Name: webhook.MemberRemoved, Channel: channel, UserID: d.UserID})
	}
	if d.Vacated {
		c.emit(ctx, webhook.Event{Name: webhook.ChannelVacated, Channel: channel})
	}
}

func (c *ConnectionHandler) rejectClientEvent(message string) {
	logger.DebugF("[%s] Client event rejected, %s", c.socket.ID, message)
	c.send(protocol.Error(protocol.CodeClientEventRejected, message))
}

func (c *ConnectionHandler) handleClientEvent(ctx context.Context, msg *protocol.Message) {
	if !c.app.EnableClientMessages {
		c.rejectClientEvent("To send client events, you must enable this feature in the Settings page of your dashboard.")
		return
	}
	kind := protocol.TypeOf(msg.Channel)
	if kind != protocol.Private && kind != protocol.Presence {
		c.rejectClientEvent("Client event rejected - only supported on private and presence channels")
		return
	}
	if !c.adapter().IsInChannel(ctx, c.app.ID, msg.Channel, c.socket.ID) {
		c.rejectClientEvent("Client event rejected - not subscribed to " + msg.Channel)
		return
	}
	if len(msg.Event) > c.app.MaxEventNameLength {
		c.rejectClientEvent("Event name is too long")
		return
	}
	if len(msg.Data) > c.app.MaxEventPayloadInKB*1024 {
		c.rejectClientEvent("Event payload is too large")
		return
	}
	if c.limiter != nil {
		res, err := c.limiter.Increment(ctx, ratelimit.SocketKey(c.app.ID, c.socket.ID))
		if err != nil {
			logger.WarnF("[%s] Rate limiter unavailable, details: %v", c.socket.ID, err)
		} else if !res.Allowed {
			c.rejectClientEvent("Client event rate limit reached")
			return
		}
	}

	userID := c.presence[msg.Channel]
	out := protocol.Event(msg.Event, msg.Channel, msg.Data, userID)
	if err := c.tolerate("client event", c.adapter().Send(ctx, c.app.ID, msg.Channel, out, c.socket.ID)); err != nil {
		logger.WarnF("[%s] Fail to send client event on %s, details: %v", c.socket.ID, msg.Channel, err)
		return
	}
	c.emit(ctx, webhook.Event{
		Name:     webhook.ClientEvent,
		Channel:  msg.Channel,
		Event:    msg.Event,
		Data:     msg.Data,
		SocketID: c.socket.ID,
		UserID:   userID,
	})
}

func (c *ConnectionHandler) handleSignin(ctx context.Context, msg *protocol.Message) {
	if !c.app.EnableUserAuthentication {
		c.send(protocol.Error(protocol.CodeUnauthorized, "User authentication is disabled for this app"))
		return
	}
	var data protocol.SigninData
	if err := msg.DecodeData(&data); err != nil {
		c.send(protocol.Error(0, "Invalid signin payload"))
		return
	}
	if err := auth.ValidUserAuth(c.app.Key, c.app.Secret, data.Auth, c.socket.ID, data.UserData); err != nil {
		logger.InfoF("[%s] Signin rejected, details: %v", c.socket.ID, err)
		c.send(protocol.Error(protocol.CodeUnauthorized, "Invalid signature"))
		return
	}
	user, err := protocol.ParseUserData(data.UserData)
	if err != nil {
		c.send(protocol.Error(0, "Invalid user_data"))
		return
	}

	if prev, ok := c.socket.User(); ok && prev.ID != user.ID {
		c.adapter().RemoveUser(ctx, c.app.ID, prev.ID, c.socket.ID)
	}
	c.socket.SetUser(connection.User{ID: user.ID, Data: data.UserData})
	c.adapter().AddUser(ctx, c.app.ID, user.ID, c.socket.ID)
	c.send(protocol.SigninSuccess(data.UserData))
	logger.InfoF("[%s] Signed in as user %s", c.socket.ID, user.ID)
}

// watchIdle pings a silent client after the activity timeout and closes the
// socket when the ping goes unanswered.
func (c *ConnectionHandler) watchIdle(done <-chan struct{}) {
	activity := c.server.opts.ActivityTimeout
	pong := c.server.opts.PongTimeout

	timer := time.NewTimer(activity)
	defer timer.Stop()
	var pingSent time.Time

	for {
		select {
		case <-done:
			return
		case <-timer.C:
		}

		now := time.Now()
		last := c.socket.LastActivity()
		switch {
		case !pingSent.IsZero() && last.Before(pingSent):
			if waited := now.Sub(pingSent); waited < pong {
				timer.Reset(pong - waited)
				continue
			}
			logger.InfoF("[%s] Pong not received in time, closing", c.socket.ID)
			_ = c.socket.Close(protocol.CodePongNotReceived, "Pong reply not received in time")
			return
		case now.Sub(last) >= activity:
			c.send(protocol.Ping())
			pingSent = now
			timer.Reset(pong)
		default:
			pingSent = time.Time{}
			timer.Reset(activity - now.Sub(last))
		}
	}
}

// close runs the disconnect cleanup: every channel is left, departures are
// announced, and the socket is unregistered.
func (c *ConnectionHandler) close(ctx context.Context) {
	c.socket.Transition(connection.Open, connection.Closing)

	departures, err := c.adapter().CleanupConnection(ctx, c.app.ID, c.socket.ID)
	if err = c.tolerate("cleanup", err); err != nil {
		logger.ErrorF("[%s] Fail to clean up connection, details: %v", c.socket.ID, err)
	}
	for _, d := range departures {
		c.announceDeparture(ctx, d.Channel, d.Departure)
	}

	c.adapter().RemoveConnection(ctx, c.app.ID, c.socket.ID)
	if c.limiter != nil {
		if err := c.limiter.Reset(ctx, ratelimit.SocketKey(c.app.ID, c.socket.ID)); err != nil {
			logger.DebugF("[%s] Fail to reset rate limit, details: %v", c.socket.ID, err)
		}
	}
	if err := c.socket.Close(closeNormal, ""); err != nil && !connection.IsNetClosedError(err) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", c.socket.ID, err)
	}
	c.server.metrics.MarkDisconnection(c.app.ID)
	logger.DebugF("[%s] Connection closed, left %d channels", c.socket.ID, len(departures))
}

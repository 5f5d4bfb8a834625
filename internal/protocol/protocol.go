// Package protocol contains the Pusher channels wire messages (protocol version 7).
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const Version = 7

const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventSignin                = "pusher:signin"
	EventSigninSuccess         = "pusher:signin_success"
	EventSubscriptionError     = "pusher:subscription_error"

	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"

	ClientEventPrefix = "client-"
)

// Close and error codes sent to clients.
const (
	CodeAppNotFound         = 4001
	CodeAppDisabled         = 4003
	CodeOverQuota           = 4004
	CodePathNotFound        = 4005
	CodeInvalidVersion      = 4007
	CodeUnauthorized        = 4009
	CodeOverCapacity        = 4100
	CodeReconnect           = 4200
	CodePongNotReceived     = 4201
	CodeInactivity          = 4202
	CodeClientEventRejected = 4301
)

const DisconnectedByApp = "You got disconnected by the app."

type ChannelType int

const (
	Public ChannelType = iota
	Private
	Presence
	PrivateEncrypted
)

func (t ChannelType) String() string {
	switch t {
	case Private:
		return "private"
	case Presence:
		return "presence"
	case PrivateEncrypted:
		return "private-encrypted"
	default:
		return "public"
	}
}

// RequiresAuth reports whether subscribing needs a signature.
func (t ChannelType) RequiresAuth() bool {
	return t != Public
}

func TypeOf(channel string) ChannelType {
	switch {
	case strings.HasPrefix(channel, "presence-"):
		return Presence
	case strings.HasPrefix(channel, "private-encrypted-"):
		return PrivateEncrypted
	case strings.HasPrefix(channel, "private-"):
		return Private
	default:
		return Public
	}
}

func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, ClientEventPrefix)
}

var (
	channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-=@,.;]+$`)

	ErrInvalidFrame       = errors.New("invalid frame")
	ErrInvalidChannelName = errors.New("invalid channel name")
)

const serverToUserPrefix = "#server-to-user-"

// ValidChannelName checks the allowed characters and the length limit (0 disables it).
func ValidChannelName(channel string, maxLength int) error {
	if channel == "" {
		return fmt.Errorf("%w: empty", ErrInvalidChannelName)
	}
	if maxLength > 0 && len(channel) > maxLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidChannelName, maxLength)
	}
	name := strings.TrimPrefix(channel, serverToUserPrefix)
	if !channelNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidChannelName, channel)
	}
	return nil
}

// Message is one frame in either direction.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

func Parse(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidFrame)
	}
	return &msg, nil
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeData unmarshals Data into v. Clients send data either as an object or as
// a JSON encoded string; both are accepted.
func (m Message) DecodeData(v any) error {
	raw := bytes.TrimSpace(m.Data)
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidFrame)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

// stringData encodes v as JSON and wraps it in a JSON string, the shape pusher-js
// expects for pusher:* and pusher_internal:* payloads.
func stringData(v any) json.RawMessage {
	inner, err := json.Marshal(v)
	if err != nil {
		inner = []byte("{}")
	}
	outer, _ := json.Marshal(string(inner))
	return outer
}

type SubscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

type UnsubscribeData struct {
	Channel string `json:"channel"`
}

type SigninData struct {
	Auth     string `json:"auth"`
	UserData string `json:"user_data"`
}

// ChannelData is the presence identity carried in channel_data.
type ChannelData struct {
	UserID   json.RawMessage `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// ID returns user_id as a string; numeric ids are accepted as well.
func (c ChannelData) ID() (string, error) {
	raw := bytes.TrimSpace(c.UserID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing user_id", ErrInvalidFrame)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || s == "" {
			return "", fmt.Errorf("%w: bad user_id", ErrInvalidFrame)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: bad user_id", ErrInvalidFrame)
	}
	return n.String(), nil
}

func ParseChannelData(s string) (ChannelData, string, error) {
	var cd ChannelData
	if err := json.Unmarshal([]byte(s), &cd); err != nil {
		return cd, "", fmt.Errorf("%w: channel_data: %v", ErrInvalidFrame, err)
	}
	id, err := cd.ID()
	return cd, id, err
}

// UserData is the signed user object of pusher:signin.
type UserData struct {
	ID string `json:"id"`
}

func ParseUserData(s string) (UserData, error) {
	var ud UserData
	if err := json.Unmarshal([]byte(s), &ud); err != nil {
		return ud, fmt.Errorf("%w: user_data: %v", ErrInvalidFrame, err)
	}
	if ud.ID == "" {
		return ud, fmt.Errorf("%w: user_data without id", ErrInvalidFrame)
	}
	return ud, nil
}

func ConnectionEstablished(socketID string, activityTimeoutSeconds int) Message {
	return Message{
		Event: EventConnectionEstablished,
		Data: stringData(map[string]any{
			"socket_id":        socketID,
			"activity_timeout": activityTimeoutSeconds,
		}),
	}
}

func Ping() Message { return Message{Event: EventPing, Data: json.RawMessage("{}")} }

func Pong() Message { return Message{Event: EventPong, Data: json.RawMessage("{}")} }

// Error is the pusher:error frame; code may be zero for generic errors.
func Error(code int, message string) Message {
	data := map[string]any{"message": message}
	if code != 0 {
		data["code"] = code
	} else {
		data["code"] = nil
	}
	raw, _ := json.Marshal(data)
	return Message{Event: EventError, Data: raw}
}

func SubscriptionError(channel, errType, message string, status int) Message {
	raw, _ := json.Marshal(map[string]any{
		"type":   errType,
		"error":  message,
		"status": status,
	})
	return Message{Event: EventSubscriptionError, Channel: channel, Data: raw}
}

// PresenceMember is one user entry in a presence channel.
type PresenceMember struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

type presenceHash struct {
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
	Count int                        `json:"count"`
}

func SubscriptionSucceeded(channel string, members []PresenceMember) Message {
	if TypeOf(channel) != Presence {
		return Message{Event: EventSubscriptionSucceeded, Channel: channel, Data: json.RawMessage(`"{}"`)}
	}
	p := presenceHash{IDs: make([]string, 0, len(members)), Hash: make(map[string]json.RawMessage, len(members))}
	for _, m := range members {
		info := m.UserInfo
		if len(info) == 0 {
			info = json.RawMessage("null")
		}
		p.IDs = append(p.IDs, m.UserID)
		p.Hash[m.UserID] = info
	}
	p.Count = len(p.IDs)
	return Message{
		Event:   EventSubscriptionSucceeded,
		Channel: channel,
		Data:    stringData(map[string]presenceHash{"presence": p}),
	}
}

func MemberAdded(channel string, member PresenceMember) Message {
	return Message{Event: EventMemberAdded, Channel: channel, Data: stringData(member)}
}

func MemberRemoved(channel, userID string) Message {
	return Message{Event: EventMemberRemoved, Channel: channel, Data: stringData(map[string]string{"user_id": userID})}
}

func SigninSuccess(userData string) Message {
	return Message{Event: EventSigninSuccess, Data: stringData(map[string]string{"user_data": userData})}
}

// Event builds a channel event as delivered by the HTTP API or another client.
func Event(name, channel string, data json.RawMessage, userID string) Message {
	return Message{Event: name, Channel: channel, Data: data, UserID: userID}
}

package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeOf(t *testing.T) {
	tests := []struct {
		channel string
		want    ChannelType
	}{
		{"news", Public},
		{"private-room", Private},
		{"presence-room", Presence},
		{"private-encrypted-room", PrivateEncrypted},
		{"presencex", Public},
	}
	for _, tt := range tests {
		if got := TypeOf(tt.channel); got != tt.want {
			t.Errorf("TypeOf(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
}

func TestValidChannelName(t *testing.T) {
	tests := []struct {
		channel string
		max     int
		valid   bool
	}{
		{"presence-room", 200, true},
		{"a=b@c,d.e;f_g-h", 200, true},
		{"#server-to-user-42", 200, true},
		{"", 200, false},
		{"bad channel", 200, false},
		{"toolong", 3, false},
		{"unlimited", 0, true},
	}
	for _, tt := range tests {
		err := ValidChannelName(tt.channel, tt.max)
		if (err == nil) != tt.valid {
			t.Errorf("ValidChannelName(%q, %d) = %v, valid want %v", tt.channel, tt.max, err, tt.valid)
		}
		if err != nil && !errors.Is(err, ErrInvalidChannelName) {
			t.Errorf("ValidChannelName(%q) error %v does not wrap ErrInvalidChannelName", tt.channel, err)
		}
	}
}

func TestDecodeDataAcceptsObjectAndString(t *testing.T) {
	object, err := Parse([]byte(`{"event":"pusher:subscribe","data":{"channel":"private-a","auth":"k:s"}}`))
	require.NoError(t, err)
	var sub SubscribeData
	require.NoError(t, object.DecodeData(&sub))
	assert.Equal(t, "private-a", sub.Channel)
	assert.Equal(t, "k:s", sub.Auth)

	str, err := Parse([]byte(`{"event":"pusher:subscribe","data":"{\"channel\":\"news\"}"}`))
	require.NoError(t, err)
	sub = SubscribeData{}
	require.NoError(t, str.DecodeData(&sub))
	assert.Equal(t, "news", sub.Channel)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidFrame)
	_, err = Parse([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestParseChannelData(t *testing.T) {
	_, id, err := ParseChannelData(`{"user_id":"u1","user_info":{"name":"Ann"}}`)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	_, id, err = ParseChannelData(`{"user_id":42}`)
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	_, _, err = ParseChannelData(`{"user_info":{}}`)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestSubscriptionSucceededPresencePayload(t *testing.T) {
	msg := SubscriptionSucceeded("presence-room", []PresenceMember{
		{UserID: "u1", UserInfo: json.RawMessage(`{"name":"Ann"}`)},
		{UserID: "u2"},
	})
	var inner string
	require.NoError(t, json.Unmarshal(msg.Data, &inner))

	var payload struct {
		Presence struct {
			IDs   []string                   `json:"ids"`
			Hash  map[string]json.RawMessage `json:"hash"`
			Count int                        `json:"count"`
		} `json:"presence"`
	}
	require.NoError(t, json.Unmarshal([]byte(inner), &payload))
	assert.Equal(t, 2, payload.Presence.Count)
	assert.ElementsMatch(t, []string{"u1", "u2"}, payload.Presence.IDs)
	assert.JSONEq(t, `{"name":"Ann"}`, string(payload.Presence.Hash["u1"]))
}

func TestConnectionEstablished(t *testing.T) {
	raw, err := ConnectionEstablished("123.456", 120).Encode()
	require.NoError(t, err)
	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, EventConnectionEstablished, msg.Event)

	var data struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	require.NoError(t, msg.DecodeData(&data))
	assert.Equal(t, "123.456", data.SocketID)
	assert.Equal(t, 120, data.ActivityTimeout)
}

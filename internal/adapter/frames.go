package adapter

import (
	"encoding/json"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
)

const (
	topicBroadcast = "#broadcast"
	topicRequests  = "#requests"
	topicResponses = "#responses"
)

// propagation ops
const (
	opSend          = "send"
	opJoin          = "join"
	opLeave         = "leave"
	opTerminateUser = "terminate_user"
	opCleanup       = "cleanup"
	opHeartbeat     = "heartbeat"
	opNodeStop      = "node_stop"
)

// aggregate ops
const (
	opChannelsWithSocketCount = "channels_with_socket_count"
	opSocketsCount            = "sockets_count"
	opNamespaces              = "namespaces"
)

// propagationFrame replays one local mutation on every peer.
type propagationFrame struct {
	Op           string          `json:"op"`
	AppID        string          `json:"app_id,omitempty"`
	Channel      string          `json:"channel,omitempty"`
	SocketID     string          `json:"socket_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OriginNodeID string          `json:"origin_node_id"`
	// Epoch is fixed per process; sequences restart with it.
	Epoch        string          `json:"epoch,omitempty"`
	Sequence     uint64          `json:"sequence"`
}

type sendPayload struct {
	Message        protocol.Message `json:"message"`
	ExceptSocketID string           `json:"except_socket_id,omitempty"`
}

type joinPayload struct {
	Member *protocol.PresenceMember `json:"member,omitempty"`
}

type terminatePayload struct {
	UserID string `json:"user_id"`
}

type requestFrame struct {
	RequestID    string `json:"request_id"`
	Op           string `json:"op"`
	AppID        string `json:"app_id,omitempty"`
	OriginNodeID string `json:"origin_node_id"`
}

type responseFrame struct {
	RequestID       string          `json:"request_id"`
	ResponderNodeID string          `json:"responder_node_id"`
	PartialResult   json.RawMessage `json:"partial_result"`
}

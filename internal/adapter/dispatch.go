package adapter

import (
	"fmt"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/connection"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/namespace"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
)

// dispatch queues msg on every local member of channel except exceptSocketID. The
// member set is snapshotted once; sockets joining afterwards do not receive msg.
// Queueing never blocks, so a slow client cannot hold up the fan-out.
func dispatch(ns *namespace.Namespace, channel string, msg protocol.Message, exceptSocketID string) (int, error) {
	data, err := msg.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode %s for %s: %w", msg.Event, channel, err)
	}

	sent := 0
	for _, s := range ns.LocalChannelSockets(channel) {
		if s.ID == exceptSocketID {
			continue
		}
		sent++
		if err := s.SendRaw(data); err != nil && !connection.IsNetClosedError(err) {
			logger.DebugF("[%s] Dispatch of %s on %s failed, details: %v", s.ID, msg.Event, channel, err)
		}
	}
	return sent, nil
}

// Package webhook defines the domain events handed to out-of-band delivery.
package webhook

import (
	"context"
	"encoding/json"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/app"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"sync"
)

type Kind string

const (
	ChannelOccupied Kind = "channel_occupied"
	ChannelVacated  Kind = "channel_vacated"
	MemberAdded     Kind = "member_added"
	MemberRemoved   Kind = "member_removed"
	ClientEvent     Kind = "client_event"
)

type Event struct {
	Name     Kind            `json:"name"`
	Channel  string          `json:"channel"`
	UserID   string          `json:"user_id,omitempty"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	TimeMs   int64           `json:"time_ms"`
}

// Sink takes events for delivery. Emit must not block on delivery.
type Sink interface {
	Emit(ctx context.Context, a *app.App, evt Event) error
}

type NopSink struct{}

func (NopSink) Emit(context.Context, *app.App, Event) error { return nil }

// LogSink writes every event to the debug log.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, a *app.App, evt Event) error {
	logger.DebugF("[webhook] app=%s %s channel=%s user=%s event=%s", a.ID, evt.Name, evt.Channel, evt.UserID, evt.Event)
	return nil
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, _ *app.App, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events match name and channel.
func (r *Recorder) Count(name Kind, channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name && e.Channel == channel {
			n++
		}
	}
	return n
}

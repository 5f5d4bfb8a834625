// Package connection holds the per-client socket and its transport.
package connection

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/protocol"
	"sync"
	"sync/atomic"
	"time"
)

// sendQueueSize bounds the frames waiting for a slow client before it is
// disconnected.
const sendQueueSize = 256

var (
	ErrSocketClosed  = errors.New("socket closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Conn is the transport of one client. WriteMessage and Close may be called from
// any goroutine; ReadMessage only from the read loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

type User struct {
	ID   string
	Data string
}

type Socket struct {
	ID    string
	AppID string

	conn         Conn
	metrics      metrics.Sink
	state        atomic.Int32
	lastActivity atomic.Int64
	closeOnce    sync.Once

	out        chan []byte
	quit       chan struct{}
	writerDone chan struct{}
	overflowed atomic.Bool

	mu   sync.RWMutex
	user *User
}

// NewSocketID returns an id in the "<digits>.<digits>" form clients expect.
func NewSocketID() string {
	u := uuid.New()
	hi := binary.BigEndian.Uint64(u[:8]) % 10_000_000_000
	lo := binary.BigEndian.Uint64(u[8:]) % 10_000_000_000
	return fmt.Sprintf("%d.%d", hi, lo)
}

func NewSocket(id, appID string, conn Conn, sink metrics.Sink) *Socket {
	if sink == nil {
		sink = metrics.Nop{}
	}
	s := &Socket{
		ID:         id,
		AppID:      appID,
		conn:       conn,
		metrics:    sink,
		out:        make(chan []byte, sendQueueSize),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.Touch()
	go s.writeLoop()
	return s
}

func (s *Socket) State() State {
	return State(s.state.Load())
}

// Transition moves from one state to another and reports whether it happened.
func (s *Socket) Transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Socket) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Socket) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Socket) SetUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = &u
}

func (s *Socket) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

func (s *Socket) Send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Event, err)
	}
	return s.SendRaw(data)
}

// SendRaw queues an already encoded frame and never blocks. A client whose queue
// is full is disconnected with CodeOverCapacity.
func (s *Socket) SendRaw(data []byte) error {
	select {
	case <-s.quit:
		return ErrSocketClosed
	default:
	}
	select {
	case s.out <- data:
		return nil
	default:
	}
	if s.overflowed.CompareAndSwap(false, true) {
		logger.WarnF("[%s] Send queue full, disconnecting slow client", s.ID)
		go func() {
			_ = s.Close(protocol.CodeOverCapacity, "Over capacity")
		}()
	}
	return ErrSendQueueFull
}

func (s *Socket) write(data []byte) {
	if err := s.conn.WriteMessage(data); err != nil {
		if !IsNetClosedError(err) {
			logger.WarnF("[%s] Fail to send data, details: %v", s.ID, err)
		}
		return
	}
	s.metrics.MarkWSMessageSent(s.AppID, len(data))
	logger.DebugF("[%s] Send %d bytes to client", s.ID, len(data))
}

// writeLoop owns every write to conn except the close frame. Frames still queued
// at close are flushed, unless the queue overflowed.
func (s *Socket) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case data := <-s.out:
			if !s.overflowed.Load() {
				s.write(data)
			}
		case <-s.quit:
			for {
				select {
				case data := <-s.out:
					if !s.overflowed.Load() {
						s.write(data)
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Socket) ReadMessage() ([]byte, error) {
	data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	s.metrics.MarkWSMessageReceived(s.AppID, len(data))
	s.Touch()
	return data, nil
}

// Close stops the writer, sends the close frame once and marks the socket Closed.
func (s *Socket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closing))
		close(s.quit)
		<-s.writerDone
		err = s.conn.Close(code, reason)
		s.state.Store(int32(Closed))
	})
	return err
}

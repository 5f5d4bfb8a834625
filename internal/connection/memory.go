package connection

import (
	"io"
	"sync"
)

// MemoryConn is an in-process Conn. Frames pushed with Deliver are returned by
// ReadMessage; frames written by the server are collected in Written.
type MemoryConn struct {
	addr    string
	inbound chan []byte
	done    chan struct{}

	mu          sync.Mutex
	written     [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func NewMemoryConn(addr string) *MemoryConn {
	return &MemoryConn{addr: addr, inbound: make(chan []byte, 64), done: make(chan struct{})}
}

// Deliver queues a frame as if the client had sent it.
func (c *MemoryConn) Deliver(data []byte) {
	select {
	case c.inbound <- data:
	case <-c.done:
	}
}

func (c *MemoryConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *MemoryConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSocketClosed
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *MemoryConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
	return nil
}

func (c *MemoryConn) RemoteAddr() string {
	return c.addr
}

func (c *MemoryConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Closed reports whether Close ran, with its code and reason.
func (c *MemoryConn) Closed() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

// Done is closed when the connection is closed.
func (c *MemoryConn) Done() <-chan struct{} {
	return c.done
}

package connection

import (
	"github.com/gorilla/websocket"
	"sync"
	"time"
)

const (
	writeWait = 10 * time.Second

	DefaultMaxMessageSize = 100 * 1024
)

// WebsocketConn adapts a gorilla websocket to Conn. Writes are serialized.
type WebsocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWebsocketConn(conn *websocket.Conn, maxMessageSize int64) *WebsocketConn {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	conn.SetReadLimit(maxMessageSize)
	return &WebsocketConn{conn: conn}
}

func (c *WebsocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *WebsocketConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WebsocketConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.conn.Close()
}

func (c *WebsocketConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

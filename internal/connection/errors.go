package connection

import (
	"errors"
	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-realtime/internal/logger"
	"io"
	"net"
	"os"
)

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrSocketClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// HandleReadError logs why the read loop of socketID ended.
func HandleReadError(socketID string, err error) {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		logger.InfoF("[%s] Client close connection, code %d %s", socketID, closeErr.Code, closeErr.Text)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logger.InfoF("[%s] Client close connection", socketID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", socketID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection closed by server", socketID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", socketID, err)
	}
}

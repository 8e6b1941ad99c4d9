package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeGrace = time.Second

// WebSocket carries messages as text frames on a gorilla connection.
type WebSocket struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

func (w *WebSocket) Write(msg []byte, _ uint64, deadline time.Time) error {
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, msg)
}

// Watch drains inbound frames; clients are not expected to send anything.
func (w *WebSocket) Watch(gone func(error)) {
	go func() {
		for {
			if _, _, err := w.conn.ReadMessage(); err != nil {
				gone(err)
				return
			}
		}
	}()
}

func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

var (
	_ Transport = (*WebSocket)(nil)
	_ Transport = (*SSE)(nil)
)

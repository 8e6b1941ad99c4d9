package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/agent-racer/streambridge/internal/protocol"
	"github.com/gorilla/websocket"
)

// Stream reads one session's messages over WebSocket.
type Stream struct {
	conn *websocket.Conn

	mu       sync.Mutex
	terminal *protocol.Message
	closed   bool
}

// WebSocketURL converts an http(s) base URL and a server path to a ws(s) URL.
func WebSocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// Open starts streaming a prepared session. This is what starts its worker.
func (c *HTTPClient) Open(ctx context.Context, sessionID string) (*Stream, error) {
	wsURL, err := WebSocketURL(c.baseURL, "/api/sessions/"+url.PathEscape(sessionID)+"/ws")
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return &Stream{conn: conn}, nil
}

// Next returns the next message. After the terminal message it returns
// io.EOF.
func (s *Stream) Next() (protocol.Message, error) {
	s.mu.Lock()
	done := s.terminal != nil || s.closed
	s.mu.Unlock()
	if done {
		return protocol.Message{}, io.EOF
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return protocol.Message{}, io.EOF
		}
		return protocol.Message{}, err
	}
	var m protocol.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return protocol.Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if protocol.IsTerminal(m.Type) {
		s.mu.Lock()
		s.terminal = &m
		s.mu.Unlock()
	}
	return m, nil
}

// Terminal returns the terminal message once it has been read.
func (s *Stream) Terminal() (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil {
		return protocol.Message{}, false
	}
	return *s.terminal, true
}

// Close hangs up. A session whose stream is closed early is cancelled by
// the server.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// Drain reads until the terminal message and returns every message read.
func (s *Stream) Drain(fn func(protocol.Message)) (protocol.Message, error) {
	for {
		m, err := s.Next()
		if errors.Is(err, io.EOF) {
			if t, ok := s.Terminal(); ok {
				return t, nil
			}
			return protocol.Message{}, io.ErrUnexpectedEOF
		}
		if err != nil {
			return protocol.Message{}, err
		}
		if fn != nil {
			fn(m)
		}
	}
}

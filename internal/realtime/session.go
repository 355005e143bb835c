// Package realtime serves the WebSocket channel parties use to request,
// accept and follow rides.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Frame is the envelope of every message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Session is one connected socket. Writes may come from any goroutine and
// are serialized; reads belong to the connection's own loop.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex

	// set by register_user, touched only by the read loop
	partyID string
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn}
}

func (s *Session) Send(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(outbound{Event: event, Data: payload})
}

func (s *Session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Session) Close() error { return s.conn.Close() }

package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// WSSession represents a connected client. Writes are serialised because
// gorilla/websocket allows only one concurrent writer.
type WSSession struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSSession(id string, conn *websocket.Conn) *WSSession {
	return &WSSession{id: id, conn: conn}
}

func (s *WSSession) ID() string { return s.id }

func (s *WSSession) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *WSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return s.conn.Close()
}

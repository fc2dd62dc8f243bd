package realtime

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Session is one live websocket connection observing (or producing for) a
// lecture.
type Session struct {
	ID        string
	ClientID  uuid.UUID
	LectureID uint

	Conn *websocket.Conn
	Send chan []byte
	Hub  *Hub

	ConnectedAt time.Time
}

// NewSession wraps an upgraded connection.
func NewSession(hub *Hub, conn *websocket.Conn, lectureID uint) *Session {
	return &Session{
		ID:          ksuid.New().String(),
		ClientID:    uuid.New(),
		LectureID:   lectureID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Hub:         hub,
		ConnectedAt: time.Now(),
	}
}

// ReadPump reads frames from the connection and hands them to the hub's
// dispatch table. Runs in its own goroutine per connection.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.Hub.drop(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		s.Hub.Dispatch(ctx, s, frame)
	}
}

// WritePump drains the Send channel onto the connection and keeps the
// connection alive with pings. One writer goroutine per connection; nothing
// else writes to Conn.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

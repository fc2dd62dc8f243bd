package realtime

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades an HTTP request to a websocket observer connection for
// the lecture named in ?session=. Clients fetch the document snapshot and
// version over REST before connecting; the socket only carries live events.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseUint(r.URL.Query().Get("session"), 10, 64)
	if err != nil {
		http.Error(w, "missing or malformed session id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return
	}

	session := NewSession(h, conn, uint(sessionID))
	h.register <- session

	// The request context dies with the handler; the connection outlives it.
	go session.WritePump()
	go session.ReadPump(context.Background())

	log.Printf("✓ WebSocket connection established for lecture %d (observer %s)",
		session.LectureID, session.ID)
}

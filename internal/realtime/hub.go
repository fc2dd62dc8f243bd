// Package realtime implements the broadcast edge: a fan-out relay that
// forwards every instructor event to all connected observers of a lecture
// immediately, with no ordering buffer of its own. Gap detection is the
// consumer's job; durability is the commit buffer's.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"codealong/internal/models"
)

// Committer is what the hub needs from the commit buffer. Flush drains the
// staged queue on demand; the hub calls it before closing a session so
// edits accepted before the close still reach the durable log.
type Committer interface {
	Enqueue(ev models.EditEvent)
	Flush(ctx context.Context) error
}

// LectureCloser marks a lecture session finished.
type LectureCloser interface {
	CloseSession(ctx context.Context, id uint) error
}

// BroadcastMessage is one frame addressed to a lecture's observers.
type BroadcastMessage struct {
	SessionID uint
	Message   []byte
	Sender    *Session // skip this session when broadcasting; nil sends to all
}

// A handler receives the decoded envelope plus the raw frame, so forwarding
// paths can relay the producer's bytes verbatim.
type handlerFunc func(ctx context.Context, s *Session, env models.Envelope, frame []byte)

// Hub maintains the observers of each lecture and fans events out to them.
// All registration and fan-out flow through one event loop goroutine.
type Hub struct {
	rooms      map[uint]map[*Session]bool // lecture session id -> observers
	register   chan *Session
	unregister chan *Session
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	handlers map[models.EventType]handlerFunc

	committer Committer
	lectures  LectureCloser
	relay     *Relay

	done chan struct{}
}

// NewHub creates a hub. The relay may be nil for single-instance setups.
func NewHub(committer Committer, lectures LectureCloser, relay *Relay) *Hub {
	h := &Hub{
		rooms:      make(map[uint]map[*Session]bool),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan *BroadcastMessage, 256),
		committer:  committer,
		lectures:   lectures,
		relay:      relay,
		done:       make(chan struct{}),
	}
	// Inbound messages are routed through this table by event tag. Adding a
	// message type means adding a row here.
	h.handlers = map[models.EventType]handlerFunc{
		models.EventInstructorEdit:       h.handleEdit,
		models.EventInstructorCursor:     h.handleForward,
		models.EventInstructorCodeRun:    h.handleForward,
		models.EventInstructorEndSession: h.handleEndSession,
	}
	return h
}

// SetCommitter installs the commit buffer. The hub and the buffer reference
// each other (the buffer notifies desyncs back through the hub), so one side
// is wired after construction. Must be called before Start.
func (h *Hub) SetCommitter(committer Committer) {
	h.committer = committer
}

// Start begins the hub event loop.
func (h *Hub) Start() {
	go func() {
		for {
			select {
			case <-h.done:
				return
			case session := <-h.register:
				h.handleRegister(session)
			case session := <-h.unregister:
				h.handleUnregister(session)
			case msg := <-h.broadcast:
				h.handleBroadcast(msg)
			}
		}
	}()
	if h.relay != nil {
		h.relay.Start(h)
	}
	log.Println("✓ Realtime hub started")
}

func (h *Hub) handleRegister(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[session.LectureID] == nil {
		h.rooms[session.LectureID] = make(map[*Session]bool)
	}
	h.rooms[session.LectureID][session] = true
	log.Printf("  Observer %s joined lecture %d (total: %d)",
		session.ID, session.LectureID, len(h.rooms[session.LectureID]))
}

func (h *Hub) handleUnregister(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if observers, ok := h.rooms[session.LectureID]; ok {
		if _, ok := observers[session]; ok {
			delete(observers, session)
			close(session.Send)
			if len(observers) == 0 {
				delete(h.rooms, session.LectureID)
			}
			log.Printf("  Observer %s left lecture %d (remaining: %d)",
				session.ID, session.LectureID, len(observers))
		}
	}
}

func (h *Hub) handleBroadcast(msg *BroadcastMessage) {
	// Hold the read lock for the whole fan-out: the sends are non-blocking,
	// and Shutdown closes Send channels under the write lock, so this keeps
	// a late broadcast from racing a send into a closed channel.
	h.mu.RLock()
	defer h.mu.RUnlock()

	for session := range h.rooms[msg.SessionID] {
		if msg.Sender != nil && session == msg.Sender {
			continue
		}
		select {
		case session.Send <- msg.Message:
		default:
			// Buffer full: the observer is slow or dead. Drop it; it will
			// catch up from the durable log when it reconnects.
			log.Printf("Observer %s buffer full, dropping connection", session.ID)
			go h.drop(session)
		}
	}
}

// drop requests unregistration without blocking past shutdown: once the
// event loop has exited, nothing drains the unregister channel.
func (h *Hub) drop(session *Session) {
	select {
	case h.unregister <- session:
	case <-h.done:
	}
}

// Broadcast fans a frame out to every observer of a lecture, and mirrors it
// to other instances through the relay when one is configured.
func (h *Hub) Broadcast(sessionID uint, message []byte, sender *Session) {
	h.broadcast <- &BroadcastMessage{SessionID: sessionID, Message: message, Sender: sender}
	if h.relay != nil {
		h.relay.Publish(sessionID, message)
	}
}

// deliverLocal injects a frame received from the relay into local observers
// only, without re-publishing it.
func (h *Hub) deliverLocal(sessionID uint, message []byte) {
	h.broadcast <- &BroadcastMessage{SessionID: sessionID, Message: message}
}

// Dispatch routes one inbound frame from a producer connection. Unknown tags
// are logged and dropped.
func (h *Hub) Dispatch(ctx context.Context, s *Session, frame []byte) {
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		log.Printf("Observer %s sent undecodable frame: %v", s.ID, err)
		return
	}
	handler, ok := h.handlers[env.Type]
	if !ok {
		log.Printf("Observer %s sent unknown event type %q", s.ID, env.Type)
		return
	}
	handler(ctx, s, env, frame)
}

// handleEdit forwards the edit to all observers proactively, then stages it
// for durable commit. Forwarding never waits on storage.
func (h *Hub) handleEdit(_ context.Context, s *Session, env models.Envelope, frame []byte) {
	var ev models.EditEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		log.Printf("Bad edit event from %s: %v", s.ID, err)
		return
	}
	h.Broadcast(ev.SessionID, frame, s)
	h.committer.Enqueue(ev)
}

// handleForward re-broadcasts the frame to the sender's lecture unchanged.
// Used for cursor moves and code-run announcements, which carry no ordering
// dependency.
func (h *Hub) handleForward(_ context.Context, s *Session, _ models.Envelope, frame []byte) {
	h.Broadcast(s.LectureID, frame, s)
}

// handleEndSession forwards the terminal broadcast immediately, then commits
// everything still staged before marking the session finished. The close
// must come last: edits accepted before the close are durably owed, and a
// finished session rejects appends.
func (h *Hub) handleEndSession(ctx context.Context, s *Session, env models.Envelope, frame []byte) {
	var ev models.EndSessionEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		log.Printf("Bad end-session event from %s: %v", s.ID, err)
		return
	}
	h.Broadcast(ev.SessionNumber, frame, s)

	if h.committer != nil {
		if err := h.committer.Flush(ctx); err != nil {
			log.Printf("Flush before closing session %d: %v", ev.SessionNumber, err)
		}
	}
	if h.lectures != nil {
		if err := h.lectures.CloseSession(ctx, ev.SessionNumber); err != nil {
			log.Printf("Failed to close session %d: %v", ev.SessionNumber, err)
		}
	}
}

// NotifyOutOfSync implements commit.Notifier: push the out-of-sync signal to
// every observer of the affected session.
func (h *Hub) NotifyOutOfSync(sessionID uint, err error) {
	frame, marshalErr := models.NewEnvelope(models.EventInstructorOutOfSync, models.OutOfSyncEvent{
		SessionID: sessionID,
		Error:     err.Error(),
	})
	if marshalErr != nil {
		return
	}
	h.Broadcast(sessionID, frame, nil)
}

// Shutdown closes every connection and stops the event loop.
func (h *Hub) Shutdown() {
	close(h.done)
	if h.relay != nil {
		h.relay.Stop()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, observers := range h.rooms {
		for session := range observers {
			close(session.Send)
			if session.Conn != nil {
				session.Conn.Close()
			}
		}
	}
	h.rooms = make(map[uint]map[*Session]bool)
	log.Println("✓ Realtime hub shutdown complete")
}

package models

import "encoding/json"

// EventType tags every real-time message. Inbound events are routed through
// a single dispatch table keyed on this tag.
type EventType string

const (
	EventInstructorEdit       EventType = "INSTRUCTOR_EDIT"
	EventInstructorCursor     EventType = "INSTRUCTOR_CURSOR"
	EventInstructorCodeRun    EventType = "INSTRUCTOR_CODE_RUN"
	EventInstructorOutOfSync  EventType = "INSTRUCTOR_OUT_OF_SYNC"
	EventInstructorEndSession EventType = "INSTRUCTOR_END_SESSION"
)

// Envelope is the wire framing for every real-time message.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an Envelope's raw bytes.
func NewEnvelope(t EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// EditEvent is one instructor edit, broadcast on every keystroke batch. The
// version number is assigned by the producer; receivers use it to detect
// gaps and duplicates.
type EditEvent struct {
	SessionID uint            `json:"sessionId"`
	Version   int             `json:"id"`
	Changes   json.RawMessage `json:"changes"`
	TS        int64           `json:"ts"`
}

// CursorEvent carries the instructor's selection. Cursor updates have no
// ordering dependency and are applied unconditionally by receivers.
type CursorEvent struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// CodeRunEvent announces that the instructor ran the current code.
type CodeRunEvent struct {
	SessionID  uint  `json:"sessionId"`
	DocVersion int   `json:"docVersion"`
	TS         int64 `json:"ts"`
}

// OutOfSyncEvent is pushed by the server when the commit buffer detects a
// version gap for a session. Scoped to that session only.
type OutOfSyncEvent struct {
	SessionID uint   `json:"sessionId"`
	Error     string `json:"error"`
}

// EndSessionEvent is the terminal broadcast for a lecture.
type EndSessionEvent struct {
	SessionNumber uint `json:"sessionNumber"`
}

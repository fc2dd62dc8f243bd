package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"codealong/internal/models"
)

// callLog records the order of calls across the fakes so tests can
// assert sequencing, not just counts.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeCommitter struct {
	log     *callLog
	mu      sync.Mutex
	events  []models.EditEvent
	flushes int
}

func (c *fakeCommitter) Enqueue(ev models.EditEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.log.record("enqueue")
}

func (c *fakeCommitter) Flush(context.Context) error {
	c.mu.Lock()
	c.flushes++
	c.mu.Unlock()
	c.log.record("flush")
	return nil
}

func (c *fakeCommitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type fakeCloser struct {
	log    *callLog
	mu     sync.Mutex
	closed []uint
}

func (c *fakeCloser) CloseSession(_ context.Context, id uint) error {
	c.mu.Lock()
	c.closed = append(c.closed, id)
	c.mu.Unlock()
	c.log.record("close")
	return nil
}

func newTestHub(t *testing.T) (*Hub, *fakeCommitter, *fakeCloser) {
	t.Helper()
	log := &callLog{}
	committer := &fakeCommitter{log: log}
	closer := &fakeCloser{log: log}
	hub := NewHub(committer, closer, nil)
	hub.Start()
	return hub, committer, closer
}

func observe(t *testing.T, hub *Hub, lectureID uint) *Session {
	t.Helper()
	s := &Session{
		ID:        "test-" + time.Now().Format("150405.000000000"),
		LectureID: lectureID,
		Send:      make(chan []byte, 16),
		Hub:       hub,
	}
	hub.register <- s
	return s
}

func recv(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case frame := <-s.Send:
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func assertQuiet(t *testing.T, s *Session) {
	t.Helper()
	select {
	case frame := <-s.Send:
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func envelope(t *testing.T, typ models.EventType, payload any) []byte {
	t.Helper()
	frame, err := models.NewEnvelope(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func TestDispatchEditForwardsAndCommits(t *testing.T) {
	hub, committer, _ := newTestHub(t)
	producer := observe(t, hub, 7)
	student := observe(t, hub, 7)
	elsewhere := observe(t, hub, 8)

	frame := envelope(t, models.EventInstructorEdit, models.EditEvent{
		SessionID: 7,
		Version:   0,
		Changes:   json.RawMessage(`["hello"]`),
		TS:        123,
	})
	hub.Dispatch(context.Background(), producer, frame)

	var env models.Envelope
	if err := json.Unmarshal(recv(t, student), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != models.EventInstructorEdit {
		t.Fatalf("got %q, want %q", env.Type, models.EventInstructorEdit)
	}

	// The producer does not get its own edit back, and other lectures see
	// nothing.
	assertQuiet(t, producer)
	assertQuiet(t, elsewhere)

	if committer.count() != 1 {
		t.Fatalf("committer got %d events, want 1", committer.count())
	}
}

func TestDispatchCursorForwardsWithoutCommit(t *testing.T) {
	hub, committer, _ := newTestHub(t)
	producer := observe(t, hub, 7)
	student := observe(t, hub, 7)

	frame := envelope(t, models.EventInstructorCursor, models.CursorEvent{Anchor: 3, Head: 5})
	hub.Dispatch(context.Background(), producer, frame)

	var env models.Envelope
	if err := json.Unmarshal(recv(t, student), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != models.EventInstructorCursor {
		t.Fatalf("got %q, want %q", env.Type, models.EventInstructorCursor)
	}
	if committer.count() != 0 {
		t.Fatal("cursor events must not reach the commit buffer")
	}
}

func TestDispatchEndSessionClosesLecture(t *testing.T) {
	hub, _, closer := newTestHub(t)
	producer := observe(t, hub, 7)
	student := observe(t, hub, 7)

	frame := envelope(t, models.EventInstructorEndSession, models.EndSessionEvent{SessionNumber: 7})
	hub.Dispatch(context.Background(), producer, frame)

	var env models.Envelope
	if err := json.Unmarshal(recv(t, student), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != models.EventInstructorEndSession {
		t.Fatalf("got %q, want %q", env.Type, models.EventInstructorEndSession)
	}

	closer.mu.Lock()
	defer closer.mu.Unlock()
	if len(closer.closed) != 1 || closer.closed[0] != 7 {
		t.Fatalf("closed sessions %v, want [7]", closer.closed)
	}
}

func TestEndSessionFlushesStagedEditsBeforeClose(t *testing.T) {
	hub, committer, closer := newTestHub(t)
	producer := observe(t, hub, 7)
	student := observe(t, hub, 7)

	edit := envelope(t, models.EventInstructorEdit, models.EditEvent{
		SessionID: 7,
		Version:   0,
		Changes:   json.RawMessage(`["final words"]`),
		TS:        123,
	})
	hub.Dispatch(context.Background(), producer, edit)
	recv(t, student)

	end := envelope(t, models.EventInstructorEndSession, models.EndSessionEvent{SessionNumber: 7})
	hub.Dispatch(context.Background(), producer, end)
	recv(t, student)

	// An edit accepted just before the session ends must reach the log.
	// Closing first would leave the flush to find a finished session and
	// drop the change, so the flush has to happen before the close.
	want := []string{"enqueue", "flush", "close"}
	got := committer.log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("calls %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls %v, want %v", got, want)
		}
	}

	closer.mu.Lock()
	defer closer.mu.Unlock()
	if len(closer.closed) != 1 || closer.closed[0] != 7 {
		t.Fatalf("closed sessions %v, want [7]", closer.closed)
	}
}

func TestDispatchIgnoresUnknownAndGarbage(t *testing.T) {
	hub, committer, _ := newTestHub(t)
	producer := observe(t, hub, 7)
	student := observe(t, hub, 7)

	hub.Dispatch(context.Background(), producer, []byte(`not json`))
	hub.Dispatch(context.Background(), producer, envelope(t, "BOGUS_EVENT", struct{}{}))

	assertQuiet(t, student)
	if committer.count() != 0 {
		t.Fatal("garbage frames must not reach the commit buffer")
	}
}

func TestDropReturnsAfterShutdown(t *testing.T) {
	hub, _, _ := newTestHub(t)
	s := observe(t, hub, 7)

	hub.Shutdown()

	// With the event loop gone, nothing drains the unregister channel.
	// A disconnecting reader must still be able to return.
	done := make(chan struct{})
	go func() {
		hub.drop(s)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drop blocked after shutdown")
	}
}

func TestNotifyOutOfSyncReachesWholeLecture(t *testing.T) {
	hub, _, _ := newTestHub(t)
	a := observe(t, hub, 7)
	b := observe(t, hub, 7)

	hub.NotifyOutOfSync(7, errors.New("expected change #3 but got #5"))

	for _, s := range []*Session{a, b} {
		var env models.Envelope
		if err := json.Unmarshal(recv(t, s), &env); err != nil {
			t.Fatal(err)
		}
		if env.Type != models.EventInstructorOutOfSync {
			t.Fatalf("got %q, want %q", env.Type, models.EventInstructorOutOfSync)
		}
		var ev models.OutOfSyncEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.SessionID != 7 || ev.Error == "" {
			t.Fatalf("bad out-of-sync payload: %+v", ev)
		}
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"codealong/internal/models"
	"codealong/internal/repository"
)

type fakeLectureStore struct {
	sessions map[uint]*models.LectureSession
	byName   map[string]*models.LectureSession
	doc      string
	version  int
	changes  []repository.VersionedChange
	nextID   uint
}

func newFakeLectureStore() *fakeLectureStore {
	return &fakeLectureStore{
		sessions: make(map[uint]*models.LectureSession),
		byName:   make(map[string]*models.LectureSession),
		nextID:   1,
	}
}

func (f *fakeLectureStore) FindActiveByName(ctx context.Context, name string) (*models.LectureSession, error) {
	return f.byName[name], nil
}

func (f *fakeLectureStore) CreateSession(ctx context.Context, name string) (*models.LectureSession, error) {
	s := &models.LectureSession{ID: f.nextID, Name: name}
	f.nextID++
	f.sessions[s.ID] = s
	f.byName[name] = s
	return s, nil
}

func (f *fakeLectureStore) GetByID(ctx context.Context, id uint) (*models.LectureSession, error) {
	return f.sessions[id], nil
}

func (f *fakeLectureStore) InstructorDoc(ctx context.Context, sessionID uint) (string, int, error) {
	return f.doc, f.version, nil
}

func (f *fakeLectureStore) ChangesSince(ctx context.Context, sessionID uint, fromVersion int) ([]repository.VersionedChange, error) {
	var out []repository.VersionedChange
	for _, vc := range f.changes {
		if vc.ChangeNumber >= fromVersion {
			out = append(out, vc)
		}
	}
	return out, nil
}

type fakeStudentStore struct {
	typealong map[string]*models.TypealongSession
	notes     map[string]*models.NotesSession
	files     map[uint][]string
	recordErr error
	committed int
	actions   []*models.UserAction
	nextID    uint
}

func newFakeStudentStore() *fakeStudentStore {
	return &fakeStudentStore{
		typealong: make(map[string]*models.TypealongSession),
		notes:     make(map[string]*models.NotesSession),
		files:     make(map[uint][]string),
		nextID:    1,
	}
}

func key(lectureID uint, email string) string { return fmt.Sprintf("%d/%s", lectureID, email) }

func (f *fakeStudentStore) GetOrCreateTypealong(ctx context.Context, lectureID uint, email string) (*models.TypealongSession, error) {
	if s, ok := f.typealong[key(lectureID, email)]; ok {
		return s, nil
	}
	s := &models.TypealongSession{ID: f.nextID, LectureSessionID: lectureID, Email: email}
	f.nextID++
	f.typealong[key(lectureID, email)] = s
	return s, nil
}

func (f *fakeStudentStore) GetOrCreateNotes(ctx context.Context, lectureID uint, email string) (*models.NotesSession, error) {
	if s, ok := f.notes[key(lectureID, email)]; ok {
		return s, nil
	}
	s := &models.NotesSession{ID: f.nextID, LectureSessionID: lectureID, Email: email}
	f.nextID++
	f.notes[key(lectureID, email)] = s
	return s, nil
}

func (f *fakeStudentStore) TypealongFiles(ctx context.Context, sessionID uint) ([]string, error) {
	return f.files[sessionID], nil
}

func (f *fakeStudentStore) TypealongDoc(ctx context.Context, sessionID uint, fileName string) (string, int, error) {
	return "content of " + fileName, 2, nil
}

func (f *fakeStudentStore) PlaygroundDoc(ctx context.Context, notesID uint) (string, int, error) {
	return "", 0, nil
}

func (f *fakeStudentStore) NotesDeltas(ctx context.Context, notesID uint) ([]repository.VersionedChange, error) {
	return nil, nil
}

func (f *fakeStudentStore) RecordTypealongChanges(ctx context.Context, sessionID uint, batch []repository.BatchChange) (int, error) {
	if f.recordErr != nil {
		return 0, f.recordErr
	}
	f.committed += len(batch)
	return f.committed, nil
}

func (f *fakeStudentStore) RecordPlaygroundChanges(ctx context.Context, notesID uint, batch []repository.BatchChange) (int, error) {
	return f.RecordTypealongChanges(ctx, notesID, batch)
}

func (f *fakeStudentStore) RecordNotesChanges(ctx context.Context, notesID uint, batch []repository.BatchChange) (int, error) {
	return f.RecordTypealongChanges(ctx, notesID, batch)
}

func (f *fakeStudentStore) RecordUserAction(ctx context.Context, action *models.UserAction) error {
	f.actions = append(f.actions, action)
	return nil
}

type fakeFlusher struct {
	flushes int
}

func (f *fakeFlusher) Flush(ctx context.Context) error {
	f.flushes++
	return nil
}

func newTestServer(lectures *fakeLectureStore, students *fakeStudentStore) (*httptest.Server, *fakeFlusher) {
	flusher := &fakeFlusher{}
	return httptest.NewServer(SetupRoutes(NewHandler(lectures, students, flusher), nil)), flusher
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateAndGetLectureSession(t *testing.T) {
	lectures := newFakeLectureStore()
	srv, _ := newTestServer(lectures, newFakeStudentStore())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/lecture-session", map[string]string{"name": "gopher-101"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d", resp.StatusCode)
	}
	var created struct {
		Session models.LectureSession `json:"session"`
		Doc     string                `json:"doc"`
		Version int                   `json:"version"`
	}
	decodeBody(t, resp, &created)
	if created.Session.ID == 0 || created.Session.Name != "gopher-101" {
		t.Fatalf("unexpected session: %+v", created.Session)
	}

	lectures.doc = "Hello world"
	lectures.version = 2

	// Re-posting the same name joins the existing session instead of
	// opening a second one.
	resp = postJSON(t, srv.URL+"/api/lecture-session", map[string]string{"name": "gopher-101"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rejoin: got %d", resp.StatusCode)
	}
	var rejoined struct {
		Session models.LectureSession `json:"session"`
		Doc     string                `json:"doc"`
		Version int                   `json:"version"`
	}
	decodeBody(t, resp, &rejoined)
	if rejoined.Session.ID != created.Session.ID || rejoined.Doc != "Hello world" || rejoined.Version != 2 {
		t.Fatalf("unexpected join state: %+v", rejoined)
	}

	resp, err := http.Get(srv.URL + "/api/lecture-session?name=gopher-101")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Session models.LectureSession `json:"session"`
		Doc     string                `json:"doc"`
		Version int                   `json:"version"`
	}
	decodeBody(t, resp, &got)
	if got.Session.ID != created.Session.ID || got.Doc != "Hello world" || got.Version != 2 {
		t.Fatalf("unexpected join state: %+v", got)
	}
}

func TestGetLectureSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(newFakeLectureStore(), newFakeStudentStore())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/lecture-session?name=nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d, want 404", resp.StatusCode)
	}
}

func TestGetInstructorChanges(t *testing.T) {
	lectures := newFakeLectureStore()
	s, _ := lectures.CreateSession(context.Background(), "x")
	lectures.changes = []repository.VersionedChange{
		{ChangeNumber: 0, Change: json.RawMessage(`["a"]`)},
		{ChangeNumber: 1, Change: json.RawMessage(`[1,"b"]`)},
		{ChangeNumber: 2, Change: json.RawMessage(`[2,"c"]`)},
	}
	srv, flusher := newTestServer(lectures, newFakeStudentStore())
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("%s/api/instructor-changes/%d/1", srv.URL, s.ID))
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Changes []repository.VersionedChange `json:"changes"`
	}
	decodeBody(t, resp, &got)
	if len(got.Changes) != 2 || got.Changes[0].ChangeNumber != 1 {
		t.Fatalf("unexpected suffix: %+v", got.Changes)
	}
	// The read must drain the commit buffer first, or a follower that
	// heard a change live could fail to read it back and give up.
	if flusher.flushes == 0 {
		t.Fatal("catch-up read served without draining the commit buffer")
	}

	// An empty suffix still decodes as a list.
	resp, err = http.Get(fmt.Sprintf("%s/api/instructor-changes/%d/10", srv.URL, s.ID))
	if err != nil {
		t.Fatal(err)
	}
	got.Changes = nil
	decodeBody(t, resp, &got)
	if got.Changes == nil || len(got.Changes) != 0 {
		t.Fatalf("want empty list, got %v", got.Changes)
	}

	resp, err = http.Get(srv.URL + "/api/instructor-changes/99/0")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d, want 404", resp.StatusCode)
	}
}

func TestCurrentTypealongReturnsFiles(t *testing.T) {
	lectures := newFakeLectureStore()
	s, _ := lectures.CreateSession(context.Background(), "x")
	students := newFakeStudentStore()
	students.files[1] = []string{"main.go", "util.go"}
	srv, _ := newTestServer(lectures, students)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/current-session-typealong", map[string]interface{}{
		"sessionId": s.ID,
		"email":     "ada@example.com",
	})
	var got struct {
		Session models.TypealongSession `json:"session"`
		Files   []FileDoc               `json:"files"`
	}
	decodeBody(t, resp, &got)
	if got.Session.Email != "ada@example.com" {
		t.Fatalf("unexpected session: %+v", got.Session)
	}
	if len(got.Files) != 2 || got.Files[0].FileName != "main.go" || got.Files[0].Version != 2 {
		t.Fatalf("unexpected files: %+v", got.Files)
	}
}

func TestRecordTypealongChanges(t *testing.T) {
	lectures := newFakeLectureStore()
	students := newFakeStudentStore()
	srv, _ := newTestServer(lectures, students)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/record-typealong-changes", recordRequest{
		Email:         "ada@example.com",
		SessionNumber: 7,
		Changes: []repository.BatchChange{
			{ChangeNumber: 0, Change: json.RawMessage(`["a"]`)},
			{ChangeNumber: 1, Change: json.RawMessage(`[1,"b"]`)},
		},
	})
	var got map[string]int
	decodeBody(t, resp, &got)
	if got["committedVersion"] != 2 {
		t.Fatalf("unexpected response: %v", got)
	}
	// The batch is addressed by lecture and email; the server resolves
	// (or creates) the typealong sub-session itself.
	if _, ok := students.typealong[key(7, "ada@example.com")]; !ok {
		t.Fatal("sub-session was not resolved from lecture and email")
	}
}

func TestRecordErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{repository.ErrVersionConflict, http.StatusConflict},
		{repository.ErrSessionClosed, http.StatusGone},
	}
	for _, tc := range cases {
		students := newFakeStudentStore()
		students.recordErr = fmt.Errorf("wrapped: %w", tc.err)
		srv, _ := newTestServer(newFakeLectureStore(), students)

		resp := postJSON(t, srv.URL+"/api/record-typealong-changes", recordRequest{
			Email:         "ada@example.com",
			SessionNumber: 1,
			Changes:       []repository.BatchChange{{Change: json.RawMessage(`["a"]`)}},
		})
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%v: got %d, want %d", tc.err, resp.StatusCode, tc.want)
		}
		srv.Close()
	}
}

func TestRecordUserAction(t *testing.T) {
	students := newFakeStudentStore()
	srv, _ := newTestServer(newFakeLectureStore(), students)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/record-user-action", map[string]interface{}{
		"sessionId":   3,
		"email":       "ada@example.com",
		"source":      "TYPEALONG",
		"actionType":  "RUN_CODE",
		"ts":          1700000000000,
		"codeVersion": 12,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("got %d, want 201", resp.StatusCode)
	}
	if len(students.actions) != 1 || students.actions[0].Source != models.ClientTypealong {
		t.Fatalf("unexpected actions: %+v", students.actions)
	}
	if students.actions[0].CodeVersion != 12 {
		t.Fatalf("code version not recorded: %+v", students.actions[0])
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(newFakeLectureStore(), newFakeStudentStore())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d, want 200", resp.StatusCode)
	}
}

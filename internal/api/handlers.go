package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"codealong/internal/change"
	"codealong/internal/models"
	"codealong/internal/repository"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests for session lifecycle, catch-up reads, and
// the students' batched change uploads.
type Handler struct {
	lectures LectureStore
	students StudentStore
	commits  CommitFlusher
}

// NewHandler creates the API handler. commits may be nil when no commit
// buffer runs in-process.
func NewHandler(lectures LectureStore, students StudentStore, commits CommitFlusher) *Handler {
	return &Handler{lectures: lectures, students: students, commits: commits}
}

// flushCommits drains the commit buffer so a reconstruction that follows
// sees every change already accepted over the websocket.
func (h *Handler) flushCommits(ctx context.Context) {
	if h.commits == nil {
		return
	}
	if err := h.commits.Flush(ctx); err != nil {
		log.Printf("commit flush before read failed: %v", err)
	}
}

// FileDoc is one reconstructed file in a join response.
type FileDoc struct {
	FileName string `json:"fileName"`
	Doc      string `json:"doc"`
	Version  int    `json:"version"`
}

// CreateLectureSession returns the open session with the requested name,
// creating it if none exists, together with the reconstructed lecture
// document. The commit buffer is drained first so the joiner starts from
// the latest committed state.
func (h *Handler) CreateLectureSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	session, err := h.lectures.FindActiveByName(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	created := false
	if session == nil {
		session, err = h.lectures.CreateSession(r.Context(), req.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		created = true
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJoinState(w, r, session, status)
}

// GetLectureSession is the read-only variant: it finds the open session but
// never creates one.
func (h *Handler) GetLectureSession(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	session, err := h.lectures.FindActiveByName(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}
	h.writeJoinState(w, r, session, http.StatusOK)
}

func (h *Handler) writeJoinState(w http.ResponseWriter, r *http.Request, session *models.LectureSession, status int) {
	h.flushCommits(r.Context())

	doc, version, err := h.lectures.InstructorDoc(r.Context(), session.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"session": session,
		"doc":     doc,
		"version": version,
	})
}

// GetInstructorChanges serves the committed change-log suffix starting at
// fromVersion. This is the followers' catch-up read, so the commit buffer
// is drained first: a follower that heard change N over the websocket must
// be able to read it back here, or it will conclude it is beyond repair.
func (h *Handler) GetInstructorChanges(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID, err := parseUint(vars["sessionId"])
	if err != nil {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}
	fromVersion, err := strconv.Atoi(vars["fromVersion"])
	if err != nil || fromVersion < 0 {
		http.Error(w, "bad version", http.StatusBadRequest)
		return
	}

	session, err := h.lectures.GetByID(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}

	h.flushCommits(r.Context())

	changes, err := h.lectures.ChangesSince(r.Context(), sessionID, fromVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	if changes == nil {
		changes = []repository.VersionedChange{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"changes": changes})
}

// CurrentTypealong returns the student's typealong sub-session for a
// lecture, creating it on first join, along with every file they have
// edited so far.
func (h *Handler) CurrentTypealong(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID uint   `json:"sessionId"`
		Email     string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}

	lecture, err := h.lectures.GetByID(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if lecture == nil {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}

	session, err := h.students.GetOrCreateTypealong(r.Context(), req.SessionID, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}

	names, err := h.students.TypealongFiles(r.Context(), session.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	files := make([]FileDoc, 0, len(names))
	for _, name := range names {
		doc, version, err := h.students.TypealongDoc(r.Context(), session.ID, name)
		if err != nil {
			writeError(w, err)
			return
		}
		files = append(files, FileDoc{FileName: name, Doc: doc, Version: version})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"session": session,
		"files":   files,
	})
}

// CurrentNotes returns the student's notes sub-session, its full delta log,
// and the reconstructed playground document.
func (h *Handler) CurrentNotes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID uint   `json:"sessionId"`
		Email     string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}

	lecture, err := h.lectures.GetByID(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if lecture == nil {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}

	session, err := h.students.GetOrCreateNotes(r.Context(), req.SessionID, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}

	deltas, err := h.students.NotesDeltas(r.Context(), session.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if deltas == nil {
		deltas = []repository.VersionedChange{}
	}

	doc, version, err := h.students.PlaygroundDoc(r.Context(), session.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"session":    session,
		"deltas":     deltas,
		"playground": FileDoc{Doc: doc, Version: version},
	})
}

// recordRequest is the body shared by the three record endpoints. Clients
// address their batch by lecture and email; the server resolves the actual
// sub-session, creating it if the student never loaded the page state.
type recordRequest struct {
	Email         string                   `json:"email"`
	SessionNumber uint                     `json:"sessionNumber"`
	Changes       []repository.BatchChange `json:"changes"`
}

// RecordTypealongChanges accepts a typealong editor's flushed queue.
func (h *Handler) RecordTypealongChanges(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, h.resolveTypealong, h.students.RecordTypealongChanges)
}

// RecordPlaygroundChanges accepts a notes editor's playground queue.
func (h *Handler) RecordPlaygroundChanges(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, h.resolveNotes, h.students.RecordPlaygroundChanges)
}

// RecordNotesChanges accepts a notes editor's rich-text delta queue.
func (h *Handler) RecordNotesChanges(w http.ResponseWriter, r *http.Request) {
	h.record(w, r, h.resolveNotes, h.students.RecordNotesChanges)
}

func (h *Handler) resolveTypealong(ctx context.Context, lectureID uint, email string) (uint, error) {
	session, err := h.students.GetOrCreateTypealong(ctx, lectureID, email)
	if err != nil {
		return 0, err
	}
	return session.ID, nil
}

func (h *Handler) resolveNotes(ctx context.Context, lectureID uint, email string) (uint, error) {
	session, err := h.students.GetOrCreateNotes(ctx, lectureID, email)
	if err != nil {
		return 0, err
	}
	return session.ID, nil
}

func (h *Handler) record(
	w http.ResponseWriter, r *http.Request,
	resolve func(ctx context.Context, lectureID uint, email string) (uint, error),
	store func(ctx context.Context, id uint, batch []repository.BatchChange) (int, error),
) {
	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.SessionNumber == 0 {
		http.Error(w, "email and sessionNumber are required", http.StatusBadRequest)
		return
	}

	sessionID, err := resolve(r.Context(), req.SessionNumber, req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	committed, err := store(r.Context(), sessionID, req.Changes)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"committedVersion": committed})
}

// RecordUserAction stores one non-edit event for later review.
func (h *Handler) RecordUserAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   uint              `json:"sessionId"`
		Email       string            `json:"email"`
		Source      models.ClientType `json:"source"`
		ActionType  string            `json:"actionType"`
		TS          int64             `json:"ts"`
		CodeVersion int               `json:"codeVersion"`
		DocVersion  int               `json:"docVersion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.SessionID == 0 || req.ActionType == "" {
		http.Error(w, "sessionId and actionType are required", http.StatusBadRequest)
		return
	}

	action := &models.UserAction{
		LectureSessionID: req.SessionID,
		Email:            req.Email,
		Source:           req.Source,
		ActionType:       req.ActionType,
		ActionTS:         req.TS,
		CodeVersion:      req.CodeVersion,
		DocVersion:       req.DocVersion,
	}
	if err := h.students.RecordUserAction(r.Context(), action); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// writeError maps repository errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, change.ErrMalformed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrVersionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseUint(s string) (uint, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint(v), err
}

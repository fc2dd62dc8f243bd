package api

import (
	"net/http"

	"codealong/internal/middleware"

	"github.com/gorilla/mux"
)

// SetupRoutes builds the HTTP surface: REST endpoints for session lifecycle
// and batched uploads, plus the realtime websocket. ws may be nil in tests
// that only exercise the REST surface.
func SetupRoutes(h *Handler, ws http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()

	// Tracing first so recovery and the handlers run inside the span.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Lecture session lifecycle
	api.HandleFunc("/lecture-session", h.CreateLectureSession).Methods("POST")
	api.HandleFunc("/lecture-session", h.GetLectureSession).Methods("GET")

	// Follower catch-up
	api.HandleFunc("/instructor-changes/{sessionId}/{fromVersion}", h.GetInstructorChanges).Methods("GET")

	// Student sub-sessions
	api.HandleFunc("/current-session-typealong", h.CurrentTypealong).Methods("POST")
	api.HandleFunc("/current-session-notes", h.CurrentNotes).Methods("POST")

	// Batched uploads from the editors' local queues
	api.HandleFunc("/record-typealong-changes", h.RecordTypealongChanges).Methods("POST")
	api.HandleFunc("/record-playground-changes", h.RecordPlaygroundChanges).Methods("POST")
	api.HandleFunc("/record-notes-changes", h.RecordNotesChanges).Methods("POST")
	api.HandleFunc("/record-user-action", h.RecordUserAction).Methods("POST")

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	if ws != nil {
		r.HandleFunc("/ws/lecture", ws)
	}

	return r
}

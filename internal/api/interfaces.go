package api

import (
	"context"

	"codealong/internal/models"
	"codealong/internal/repository"
)

// The handler is the consumer of the repositories, so the interfaces it
// needs live here. Only the methods the handlers actually call are declared;
// tests swap in fakes without touching the gorm-backed implementations.

// LectureStore is what handlers need from the lecture repository.
type LectureStore interface {
	FindActiveByName(ctx context.Context, name string) (*models.LectureSession, error)
	CreateSession(ctx context.Context, name string) (*models.LectureSession, error)
	GetByID(ctx context.Context, id uint) (*models.LectureSession, error)
	InstructorDoc(ctx context.Context, sessionID uint) (string, int, error)
	ChangesSince(ctx context.Context, sessionID uint, fromVersion int) ([]repository.VersionedChange, error)
}

// CommitFlusher drains the server-side commit buffer on demand, so reads
// that follow observe everything already accepted for commit.
type CommitFlusher interface {
	Flush(ctx context.Context) error
}

// StudentStore is what handlers need from the student repository.
type StudentStore interface {
	GetOrCreateTypealong(ctx context.Context, lectureID uint, email string) (*models.TypealongSession, error)
	GetOrCreateNotes(ctx context.Context, lectureID uint, email string) (*models.NotesSession, error)
	TypealongFiles(ctx context.Context, sessionID uint) ([]string, error)
	TypealongDoc(ctx context.Context, sessionID uint, fileName string) (string, int, error)
	PlaygroundDoc(ctx context.Context, notesID uint) (string, int, error)
	NotesDeltas(ctx context.Context, notesID uint) ([]repository.VersionedChange, error)
	RecordTypealongChanges(ctx context.Context, sessionID uint, batch []repository.BatchChange) (int, error)
	RecordPlaygroundChanges(ctx context.Context, notesID uint, batch []repository.BatchChange) (int, error)
	RecordNotesChanges(ctx context.Context, notesID uint, batch []repository.BatchChange) (int, error)
	RecordUserAction(ctx context.Context, action *models.UserAction) error
}

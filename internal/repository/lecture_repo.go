package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"codealong/internal/change"
	"codealong/internal/middleware"
	"codealong/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// ErrVersionConflict is returned when an append does not carry the log's
// expected next version for its document.
var ErrVersionConflict = errors.New("version conflict")

// ErrSessionClosed is returned when changes arrive for a finished session.
var ErrSessionClosed = errors.New("session closed")

// VersionedChange is one log entry as served to catch-up clients. The change
// payload stays serialized; the server never needs to interpret it here.
type VersionedChange struct {
	Change       json.RawMessage `json:"change"`
	ChangeNumber int             `json:"changeNumber"`
}

// LectureRepositoryImpl owns the lecture sessions and the instructor
// document's change log.
type LectureRepositoryImpl struct {
	db *gorm.DB
}

// NewLectureRepository creates a new lecture repository.
func NewLectureRepository(db *gorm.DB) *LectureRepositoryImpl {
	return &LectureRepositoryImpl{db: db}
}

// Transaction runs fn against a repository bound to one database
// transaction. The commit buffer's compare-and-append runs through this so
// the version read and the insert can never be split.
func (r *LectureRepositoryImpl) Transaction(ctx context.Context, fn func(*LectureRepositoryImpl) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&LectureRepositoryImpl{db: tx})
	})
}

// FindActiveByName returns the open session with the given name, or nil if
// none exists. There is deliberately no cached "current session" pointer;
// every lookup goes through this query.
func (r *LectureRepositoryImpl) FindActiveByName(ctx context.Context, name string) (*models.LectureSession, error) {
	var sessions []models.LectureSession
	err := r.db.WithContext(ctx).
		Where("name = ? AND finished = false", name).
		Order("id DESC").
		Limit(1).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find session %q: %w", name, err)
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// CreateSession opens a new lecture session.
func (r *LectureRepositoryImpl) CreateSession(ctx context.Context, name string) (*models.LectureSession, error) {
	session := &models.LectureSession{Name: name}
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetByID fetches a session by primary key; nil if missing.
func (r *LectureRepositoryImpl) GetByID(ctx context.Context, id uint) (*models.LectureSession, error) {
	var session models.LectureSession
	err := r.db.WithContext(ctx).First(&session, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %d: %w", id, err)
	}
	return &session, nil
}

// CloseSession marks a session finished. Terminal: closed sessions never
// reopen and stop accepting changes.
func (r *LectureRepositoryImpl) CloseSession(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&models.LectureSession{}).
		Where("id = ?", id).
		Update("finished", true)
	if result.Error != nil {
		return fmt.Errorf("failed to close session %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no such session: %d", id)
	}
	return nil
}

// InstructorVersion returns the next expected change number for the lecture
// document, i.e. the count of committed changes.
func (r *LectureRepositoryImpl) InstructorVersion(ctx context.Context, sessionID uint) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.InstructorChange{}).
		Where("lecture_session_id = ?", sessionID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count instructor changes: %w", err)
	}
	return int(count), nil
}

// InstructorDoc reconstructs the lecture document by folding the committed
// change log in version order. An empty log yields the empty buffer at
// version 0.
func (r *LectureRepositoryImpl) InstructorDoc(ctx context.Context, sessionID uint) (string, int, error) {
	ctx, span := middleware.StartSpan(ctx, "LectureRepository.InstructorDoc",
		attribute.Int("session.id", int(sessionID)))
	defer span.End()

	var rows []models.InstructorChange
	err := r.db.WithContext(ctx).
		Where("lecture_session_id = ?", sessionID).
		Order("change_number").
		Find(&rows).Error
	if err != nil {
		return "", 0, fmt.Errorf("failed to load instructor changes: %w", err)
	}
	payloads := make([]string, len(rows))
	for i, row := range rows {
		payloads[i] = row.Change
	}
	doc, version, err := reconstructDoc(payloads)
	if err != nil {
		middleware.AddSpanError(ctx, err)
	}
	return doc, version, err
}

// ChangesSince returns the suffix of committed changes with change numbers
// >= fromVersion, in increasing order. This is the catch-up read path.
func (r *LectureRepositoryImpl) ChangesSince(ctx context.Context, sessionID uint, fromVersion int) ([]VersionedChange, error) {
	var rows []models.InstructorChange
	err := r.db.WithContext(ctx).
		Where("lecture_session_id = ? AND change_number >= ?", sessionID, fromVersion).
		Order("change_number").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load changes since %d: %w", fromVersion, err)
	}
	out := make([]VersionedChange, len(rows))
	for i, row := range rows {
		out[i] = VersionedChange{
			Change:       json.RawMessage(row.Change),
			ChangeNumber: row.ChangeNumber,
		}
	}
	return out, nil
}

// AppendInstructorChange appends one change at exactly the expected next
// version. A mismatched version fails with ErrVersionConflict and writes
// nothing; appends to a finished session fail with ErrSessionClosed.
func (r *LectureRepositoryImpl) AppendInstructorChange(ctx context.Context, sessionID uint, version int, payload string, ts int64) error {
	session, err := r.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("no such session: %d", sessionID)
	}
	if session.Finished {
		return fmt.Errorf("session %d: %w", sessionID, ErrSessionClosed)
	}

	current, err := r.InstructorVersion(ctx, sessionID)
	if err != nil {
		return err
	}
	if version != current {
		return fmt.Errorf("expected change #%d but got #%d: %w", current, version, ErrVersionConflict)
	}

	row := &models.InstructorChange{
		LectureSessionID: sessionID,
		ChangeNumber:     version,
		Change:           payload,
		ChangeTS:         ts,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to append instructor change #%d: %w", version, err)
	}
	return nil
}

// reconstructDoc folds serialized changes, in the order given, into the
// resulting document and its version.
func reconstructDoc(payloads []string) (string, int, error) {
	doc := ""
	version := 0
	for _, payload := range payloads {
		c, err := change.Decode([]byte(payload))
		if err != nil {
			return "", 0, fmt.Errorf("change #%d: %w", version, err)
		}
		doc, err = c.Apply(doc)
		if err != nil {
			return "", 0, fmt.Errorf("change #%d: %w", version, err)
		}
		version++
	}
	return doc, version, nil
}

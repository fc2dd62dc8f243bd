package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"codealong/internal/change"
	"codealong/internal/middleware"
	"codealong/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// BatchChange is one queued client-side change as posted by a student's
// periodic flush.
type BatchChange struct {
	ChangeNumber int             `json:"changeNumber"`
	Change       json.RawMessage `json:"changesetJSON"`
	TS           int64           `json:"ts"`
	FileName     string          `json:"fileName,omitempty"`
}

// StudentRepositoryImpl owns the per-student sub-session logs: typealong
// files, notes deltas, and playground code.
type StudentRepositoryImpl struct {
	db *gorm.DB
}

// NewStudentRepository creates a new student repository.
func NewStudentRepository(db *gorm.DB) *StudentRepositoryImpl {
	return &StudentRepositoryImpl{db: db}
}

// GetOrCreateTypealong returns the student's typealong sub-session for a
// lecture, creating it on first use.
func (r *StudentRepositoryImpl) GetOrCreateTypealong(ctx context.Context, lectureID uint, email string) (*models.TypealongSession, error) {
	var session models.TypealongSession
	err := r.db.WithContext(ctx).
		Where(models.TypealongSession{LectureSessionID: lectureID, Email: email}).
		FirstOrCreate(&session).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get or create typealong session: %w", err)
	}
	return &session, nil
}

// GetOrCreateNotes returns the student's notes sub-session for a lecture,
// creating it on first use.
func (r *StudentRepositoryImpl) GetOrCreateNotes(ctx context.Context, lectureID uint, email string) (*models.NotesSession, error) {
	var session models.NotesSession
	err := r.db.WithContext(ctx).
		Where(models.NotesSession{LectureSessionID: lectureID, Email: email}).
		FirstOrCreate(&session).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get or create notes session: %w", err)
	}
	return &session, nil
}

// FindNotes returns the student's notes sub-session, or nil if it was never
// started.
func (r *StudentRepositoryImpl) FindNotes(ctx context.Context, lectureID uint, email string) (*models.NotesSession, error) {
	var session models.NotesSession
	err := r.db.WithContext(ctx).
		Where("lecture_session_id = ? AND email = ?", lectureID, email).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find notes session: %w", err)
	}
	return &session, nil
}

// FindTypealong returns the student's typealong sub-session, or nil.
func (r *StudentRepositoryImpl) FindTypealong(ctx context.Context, lectureID uint, email string) (*models.TypealongSession, error) {
	var session models.TypealongSession
	err := r.db.WithContext(ctx).
		Where("lecture_session_id = ? AND email = ?", lectureID, email).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find typealong session: %w", err)
	}
	return &session, nil
}

// TypealongFiles lists the distinct file names a typealong student has
// edited, in first-edit order.
func (r *StudentRepositoryImpl) TypealongFiles(ctx context.Context, sessionID uint) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).
		Model(&models.TypealongChange{}).
		Where("typealong_session_id = ?", sessionID).
		Group("file_name").
		Order("min(id)").
		Pluck("file_name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list typealong files: %w", err)
	}
	return names, nil
}

// TypealongDoc reconstructs one of a typealong student's files.
func (r *StudentRepositoryImpl) TypealongDoc(ctx context.Context, sessionID uint, fileName string) (string, int, error) {
	var rows []models.TypealongChange
	err := r.db.WithContext(ctx).
		Where("typealong_session_id = ? AND file_name = ?", sessionID, fileName).
		Order("change_number").
		Find(&rows).Error
	if err != nil {
		return "", 0, fmt.Errorf("failed to load typealong changes: %w", err)
	}
	payloads := make([]string, len(rows))
	for i, row := range rows {
		payloads[i] = row.Change
	}
	return reconstructDoc(payloads)
}

// PlaygroundDoc reconstructs a notes student's playground code document.
func (r *StudentRepositoryImpl) PlaygroundDoc(ctx context.Context, notesID uint) (string, int, error) {
	var rows []models.PlaygroundChange
	err := r.db.WithContext(ctx).
		Where("notes_session_id = ?", notesID).
		Order("change_number").
		Find(&rows).Error
	if err != nil {
		return "", 0, fmt.Errorf("failed to load playground changes: %w", err)
	}
	payloads := make([]string, len(rows))
	for i, row := range rows {
		payloads[i] = row.Change
	}
	return reconstructDoc(payloads)
}

// NotesDeltas returns the full rich-text delta log, in order. The deltas are
// opaque to the server; clients fold them themselves.
func (r *StudentRepositoryImpl) NotesDeltas(ctx context.Context, notesID uint) ([]VersionedChange, error) {
	var rows []models.NotesChange
	err := r.db.WithContext(ctx).
		Where("notes_session_id = ?", notesID).
		Order("change_number").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load notes changes: %w", err)
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

// RecordTypealongChanges appends a batch of code changes for one typealong
// file and returns the committed version. Appending stops at the first gap:
// the client's next flush re-sends whatever was not accepted.
// Each editor flushes one file's queue at a time, but the batch is still
// partitioned defensively; the returned version is the one for the file of
// the batch's last entry.
func (r *StudentRepositoryImpl) RecordTypealongChanges(ctx context.Context, sessionID uint, batch []BatchChange) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	ctx, span := middleware.StartSpan(ctx, "StudentRepository.RecordTypealongChanges",
		attribute.Int("session.id", int(sessionID)),
		attribute.Int("batch.size", len(batch)))
	defer span.End()

	versions := make(map[string]int)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for fileName, changes := range partitionByFile(batch) {
			var count int64
			if err := tx.Model(&models.TypealongChange{}).
				Where("typealong_session_id = ? AND file_name = ?", sessionID, fileName).
				Count(&count).Error; err != nil {
				return fmt.Errorf("failed to count typealong changes: %w", err)
			}
			version := int(count)
			for _, ch := range changes {
				if ch.ChangeNumber != version {
					log.Printf("typealong session %d %q: expected change #%d but got #%d",
						sessionID, fileName, version, ch.ChangeNumber)
					break
				}
				if err := validateChange(ch.Change); err != nil {
					return err
				}
				row := &models.TypealongChange{
					TypealongSessionID: sessionID,
					FileName:           fileName,
					ChangeNumber:       ch.ChangeNumber,
					Change:             string(ch.Change),
					ChangeTS:           ch.TS,
				}
				if err := tx.Create(row).Error; err != nil {
					return fmt.Errorf("failed to record typealong change #%d: %w", ch.ChangeNumber, err)
				}
				version++
			}
			versions[fileName] = version
		}
		return nil
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return 0, err
	}
	return versions[batch[len(batch)-1].FileName], nil
}

// RecordPlaygroundChanges appends a batch of playground code changes and
// returns the committed version.
func (r *StudentRepositoryImpl) RecordPlaygroundChanges(ctx context.Context, notesID uint, batch []BatchChange) (int, error) {
	committed := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.PlaygroundChange{}).
			Where("notes_session_id = ?", notesID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count playground changes: %w", err)
		}
		version := int(count)
		for _, ch := range batch {
			if ch.ChangeNumber != version {
				log.Printf("notes session %d playground: expected change #%d but got #%d",
					notesID, version, ch.ChangeNumber)
				break
			}
			if err := validateChange(ch.Change); err != nil {
				return err
			}
			row := &models.PlaygroundChange{
				NotesSessionID: notesID,
				ChangeNumber:   ch.ChangeNumber,
				Change:         string(ch.Change),
				ChangeTS:       ch.TS,
			}
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("failed to record playground change #%d: %w", ch.ChangeNumber, err)
			}
			version++
		}
		committed = version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return committed, nil
}

// RecordNotesChanges appends a batch of rich-text deltas and returns the
// committed version. Payloads are stored opaque, version-checked only.
func (r *StudentRepositoryImpl) RecordNotesChanges(ctx context.Context, notesID uint, batch []BatchChange) (int, error) {
	committed := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.NotesChange{}).
			Where("notes_session_id = ?", notesID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to count notes changes: %w", err)
		}
		version := int(count)
		for _, ch := range batch {
			if ch.ChangeNumber != version {
				log.Printf("notes session %d: expected change #%d but got #%d",
					notesID, version, ch.ChangeNumber)
				break
			}
			row := &models.NotesChange{
				NotesSessionID: notesID,
				ChangeNumber:   ch.ChangeNumber,
				Change:         string(ch.Change),
				ChangeTS:       ch.TS,
			}
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("failed to record notes change #%d: %w", ch.ChangeNumber, err)
			}
			version++
		}
		committed = version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return committed, nil
}

// RecordUserAction stores one non-edit action for later review.
func (r *StudentRepositoryImpl) RecordUserAction(ctx context.Context, action *models.UserAction) error {
	if err := r.db.WithContext(ctx).Create(action).Error; err != nil {
		return fmt.Errorf("failed to record user action: %w", err)
	}
	return nil
}

// validateChange rejects payloads that do not decode as a structural change.
// The document itself is not folded here; only the commit buffer does that.
func validateChange(payload json.RawMessage) error {
	if _, err := change.Decode(payload); err != nil {
		return err
	}
	return nil
}

func partitionByFile(batch []BatchChange) map[string][]BatchChange {
	out := make(map[string][]BatchChange)
	for _, ch := range batch {
		out[ch.FileName] = append(out[ch.FileName], ch)
	}
	return out
}

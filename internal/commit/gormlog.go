package commit

import (
	"context"

	"codealong/internal/repository"
)

// GormChangeLog adapts the lecture repository to the buffer's ChangeLog
// interface, threading the repository's transaction scope through.
type GormChangeLog struct {
	Repo *repository.LectureRepositoryImpl
}

func (l GormChangeLog) InstructorDoc(ctx context.Context, sessionID uint) (string, int, error) {
	return l.Repo.InstructorDoc(ctx, sessionID)
}

func (l GormChangeLog) AppendInstructorChange(ctx context.Context, sessionID uint, version int, payload string, ts int64) error {
	return l.Repo.AppendInstructorChange(ctx, sessionID, version, payload, ts)
}

func (l GormChangeLog) Transaction(ctx context.Context, fn func(ChangeLog) error) error {
	return l.Repo.Transaction(ctx, func(tx *repository.LectureRepositoryImpl) error {
		return fn(GormChangeLog{Repo: tx})
	})
}

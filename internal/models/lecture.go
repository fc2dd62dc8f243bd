package models

import (
	"time"
)

/*
Persisted hierarchy:

LectureSession
  InstructorChange        -- the broadcast lecture document's edit log
  TypealongSession (per student email)
    TypealongChange       -- per named file
  NotesSession (per student email)
    NotesChange           -- rich-text deltas, stored opaque
    PlaygroundChange      -- the playground code document
  UserAction              -- non-edit events (code runs etc.)

Every change table is append-only with a gapless change_number starting at 0,
unique per parent document. That uniqueness is the durability invariant the
commit path protects.
*/

// LectureSession is one lecture instance. It is OPEN until the instructor
// ends it; a finished session stops accepting new changes.
type LectureSession struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"type:text;not null;index"`
	Finished  bool      `json:"finished" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// InstructorChange is one committed edit to the lecture document.
type InstructorChange struct {
	ID               uint   `json:"-" gorm:"primaryKey"`
	LectureSessionID uint   `json:"-" gorm:"not null;uniqueIndex:idx_instructor_change"`
	ChangeNumber     int    `json:"changeNumber" gorm:"not null;uniqueIndex:idx_instructor_change"`
	Change           string `json:"change" gorm:"type:text;not null"`
	ChangeTS         int64  `json:"ts" gorm:"not null"`

	LectureSession *LectureSession `json:"-" gorm:"foreignKey:LectureSessionID"`
}

// TypealongSession is one student's follow-along coding workspace within a
// lecture, keyed by email.
type TypealongSession struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	LectureSessionID uint      `json:"-" gorm:"not null;uniqueIndex:idx_typealong_student"`
	Email            string    `json:"email" gorm:"type:text;not null;uniqueIndex:idx_typealong_student"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`

	LectureSession *LectureSession `json:"-" gorm:"foreignKey:LectureSessionID"`
}

// TypealongChange is one edit to one of a typealong student's files. A
// session holds a handful of named files, each with its own version run.
type TypealongChange struct {
	ID                 uint   `json:"-" gorm:"primaryKey"`
	TypealongSessionID uint   `json:"-" gorm:"not null;uniqueIndex:idx_typealong_change"`
	FileName           string `json:"fileName" gorm:"type:text;not null;default:'';uniqueIndex:idx_typealong_change"`
	ChangeNumber       int    `json:"changeNumber" gorm:"not null;uniqueIndex:idx_typealong_change"`
	Change             string `json:"change" gorm:"type:text;not null"`
	ChangeTS           int64  `json:"ts" gorm:"not null"`

	TypealongSession *TypealongSession `json:"-" gorm:"foreignKey:TypealongSessionID"`
}

// NotesSession is one student's notes workspace: a rich-text delta log plus a
// playground code document.
type NotesSession struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	LectureSessionID uint      `json:"-" gorm:"not null;uniqueIndex:idx_notes_student"`
	Email            string    `json:"email" gorm:"type:text;not null;uniqueIndex:idx_notes_student"`
	CreatedAt        time.Time `json:"created_at" gorm:"autoCreateTime"`

	LectureSession *LectureSession `json:"-" gorm:"foreignKey:LectureSessionID"`
}

// NotesChange is one rich-text delta. The payload is opaque to the server;
// only the version run matters here.
type NotesChange struct {
	ID             uint   `json:"-" gorm:"primaryKey"`
	NotesSessionID uint   `json:"-" gorm:"not null;uniqueIndex:idx_notes_change"`
	ChangeNumber   int    `json:"changeNumber" gorm:"not null;uniqueIndex:idx_notes_change"`
	Change         string `json:"change" gorm:"type:text;not null"`
	ChangeTS       int64  `json:"ts" gorm:"not null"`

	NotesSession *NotesSession `json:"-" gorm:"foreignKey:NotesSessionID"`
}

// PlaygroundChange is one edit to a notes student's playground code document.
type PlaygroundChange struct {
	ID             uint   `json:"-" gorm:"primaryKey"`
	NotesSessionID uint   `json:"-" gorm:"not null;uniqueIndex:idx_playground_change"`
	ChangeNumber   int    `json:"changeNumber" gorm:"not null;uniqueIndex:idx_playground_change"`
	Change         string `json:"change" gorm:"type:text;not null"`
	ChangeTS       int64  `json:"ts" gorm:"not null"`

	NotesSession *NotesSession `json:"-" gorm:"foreignKey:NotesSessionID"`
}

// ClientType identifies which editor produced a user action.
type ClientType string

const (
	ClientInstructor ClientType = "INSTRUCTOR"
	ClientTypealong  ClientType = "TYPEALONG"
	ClientNotes      ClientType = "NOTES"
)

// UserAction records a non-edit event (running code, opening a snapshot)
// against the document versions current at the time.
type UserAction struct {
	ID               uint       `json:"-" gorm:"primaryKey"`
	LectureSessionID uint       `json:"-" gorm:"not null;index"`
	Email            string     `json:"email" gorm:"type:text;not null;default:''"`
	Source           ClientType `json:"source" gorm:"type:varchar(20);not null"`
	ActionType       string     `json:"actionType" gorm:"type:text;not null"`
	ActionTS         int64      `json:"ts" gorm:"not null"`
	CodeVersion      int        `json:"codeVersion"`
	DocVersion       int        `json:"docVersion"`

	LectureSession *LectureSession `json:"-" gorm:"foreignKey:LectureSessionID"`
}

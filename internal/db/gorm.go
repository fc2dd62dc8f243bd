package db

import (
	"fmt"
	"log"

	"codealong/internal/config"
	"codealong/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance.
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the Postgres connection and migrates the change log schema.
// The unique (parent, change_number) indexes created here are what make the
// append-once-in-order contract hold even if a flush races a retry.
func NewGorm(cfg *config.Config) (*GormDB, error) {
	dsn := cfg.DatabaseURL()

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := gdb.AutoMigrate(
		&models.LectureSession{},
		&models.InstructorChange{},
		&models.TypealongSession{},
		&models.TypealongChange{},
		&models.NotesSession{},
		&models.NotesChange{},
		&models.PlaygroundChange{},
		&models.UserAction{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("✓ Database connected and migrated successfully")

	return &GormDB{gdb}, nil
}

// Close closes the underlying connection pool.
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package db

import (
	"github.com/litminer/backend/internal/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.TaskRecord{}); err != nil {
		return err
	}

	// Index for listing tasks by status, newest first.
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_records_status
		ON task_records (status, updated_at DESC)
		WHERE deleted_at IS NULL
	`).Error
}
